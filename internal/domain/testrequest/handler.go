package testrequest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labflow/internal/platform/auth"
	"github.com/ehr/labflow/internal/platform/blobstore"
	"github.com/ehr/labflow/pkg/pagination"
)

type Handler struct {
	engine *Engine
	blobs  blobstore.Store
}

func NewHandler(engine *Engine, blobs blobstore.Store) *Handler {
	return &Handler{engine: engine, blobs: blobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/test-requests", h.CreateTestRequest)
	api.GET("/test-requests", h.ListTestRequests)
	api.GET("/test-requests/:id", h.GetTestRequest)
	api.GET("/test-requests/:id/timeline", h.GetTimeline)
	api.POST("/test-requests/:id/events/:event", h.ApplyEvent)
	api.POST("/test-requests/:id/report", h.UploadReport)
	api.GET("/test-requests/:id/report", h.DownloadReport)

	system := api.Group("", auth.RequireRole(string(RoleSystem)))
	system.POST("/test-requests/:id/finalize", h.Finalize)
}

// eventRequest is the body of POST /test-requests/:id/events/:event.
type eventRequest struct {
	BaseVersion *int            `json:"base_version"`
	Note        string          `json:"note"`
	Payload     json.RawMessage `json:"payload"`
}

func (h *Handler) CreateTestRequest(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var d Draft
	if err := decodeJSON(c.Request().Body, &d); err != nil {
		return httpError(validationError("body", "%v", err))
	}
	tr, err := h.engine.Create(c.Request().Context(), actor, d)
	if err != nil {
		return httpError(err)
	}
	setETag(c, tr.Version)
	return c.JSON(http.StatusCreated, tr)
}

func (h *Handler) ListTestRequests(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	q := ListQuery{
		Urgency: Urgency(c.QueryParam("urgency")),
		Limit:   pg.Limit,
		Offset:  pg.Offset,
	}
	for _, v := range c.QueryParams()["status"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				q.Statuses = append(q.Statuses, Status(s))
			}
		}
	}

	page, err := h.engine.ListByRole(c.Request().Context(), actor, q)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(page.Items, page.Total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, filterQuery(c.QueryParams()), page.Total)
	return c.JSON(http.StatusOK, resp)
}

// filterQuery re-encodes the non-paging query parameters for page links.
func filterQuery(params url.Values) string {
	out := url.Values{}
	for k, v := range params {
		if k != "limit" && k != "offset" {
			out[k] = v
		}
	}
	return out.Encode()
}

func (h *Handler) GetTestRequest(c echo.Context) error {
	tr, err := h.load(c)
	if err != nil {
		return err
	}
	if match := c.Request().Header.Get("If-None-Match"); match != "" && match == etag(tr.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	setETag(c, tr.Version)
	return c.JSON(http.StatusOK, tr)
}

func (h *Handler) GetTimeline(c echo.Context) error {
	tr, err := h.load(c)
	if err != nil {
		return err
	}
	setETag(c, tr.Version)
	return c.JSON(http.StatusOK, tr.TimelineView())
}

func (h *Handler) ApplyEvent(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	event, ok := ParseEvent(c.Param("event"))
	if !ok {
		return httpError(validationError("event", "unknown event %q", c.Param("event")))
	}

	var req eventRequest
	if err := decodeJSON(c.Request().Body, &req); err != nil {
		return httpError(validationError("body", "%v", err))
	}
	base, err := baseVersion(c.Request().Header.Get("If-Match"), req.BaseVersion)
	if err != nil {
		return httpError(err)
	}

	var payload Payload
	if event != EventCreate {
		if payload, err = DecodePayload(event, req.Payload); err != nil {
			return httpError(err)
		}
	}

	tr, err := h.apply(c, Command{
		RequestID:   id,
		Event:       event,
		Payload:     payload,
		Actor:       actor,
		BaseVersion: base,
		Note:        req.Note,
	})
	if err != nil {
		return httpError(err)
	}
	setETag(c, tr.Version)
	return c.JSON(http.StatusOK, tr)
}

// apply commits against the caller's version when one was given; without
// one the engine refetches and retries lost races itself.
func (h *Handler) apply(c echo.Context, cmd Command) (*TestRequest, error) {
	if cmd.BaseVersion == AnyVersion {
		return h.engine.ApplyWithRetry(c.Request().Context(), cmd)
	}
	return h.engine.Apply(c.Request().Context(), cmd)
}

// UploadReport stores the report document first and only then records
// GenerateReport with the returned handle. A failed upload commits nothing.
func (h *Handler) UploadReport(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	tr, err := h.engine.GetByID(ctx, actor, id)
	if err != nil {
		return httpError(err)
	}
	// Reject before storing anything the workflow would refuse anyway.
	if err := Authorize(actor, EventGenerateReport, tr); err != nil {
		return httpError(err)
	}
	if _, ok := Target(tr.Status, EventGenerateReport, h.engine.Policy().ReviewRequired(tr.CenterRef)); !ok {
		return httpError(illegalTransitionError(tr.Status, EventGenerateReport))
	}

	var formVersion *int
	if v := c.FormValue("base_version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return httpError(validationError("base_version", "must be an integer"))
		}
		formVersion = &n
	}
	base, err := baseVersion(c.Request().Header.Get("If-Match"), formVersion)
	if err != nil {
		return httpError(err)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return httpError(validationError("file", "is required"))
	}
	up, err := blobstore.ReadUpload(fh)
	if err != nil {
		return blobError(err)
	}
	meta, err := h.blobs.Put(ctx, id, up)
	if err != nil {
		return blobError(err)
	}

	committed, err := h.apply(c, Command{
		RequestID:   id,
		Event:       EventGenerateReport,
		Payload:     &GenerateReportPayload{FileHandle: meta.Handle, Notes: c.FormValue("notes")},
		Actor:       actor,
		BaseVersion: base,
		Note:        c.FormValue("note"),
	})
	if err != nil {
		return httpError(err)
	}
	setETag(c, committed.Version)
	return c.JSON(http.StatusCreated, committed)
}

func (h *Handler) DownloadReport(c echo.Context) error {
	tr, err := h.load(c)
	if err != nil {
		return err
	}
	if tr.Report == nil || tr.Report.FileHandle == "" {
		return httpError(&WorkflowError{Kind: KindNotFound, Field: "report", Message: "no report has been generated"})
	}
	data, meta, err := h.blobs.Get(c.Request().Context(), tr.Report.FileHandle)
	if err != nil {
		return blobError(err)
	}
	name := meta.FileName
	if name == "" {
		name = "report-" + tr.ID.String()
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, name))
	contentType := meta.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Blob(http.StatusOK, contentType, data)
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Note string `json:"note"`
	}
	if err := decodeJSON(c.Request().Body, &body); err != nil {
		return httpError(validationError("body", "%v", err))
	}
	tr, err := h.engine.Finalize(c.Request().Context(), id, body.Note)
	if err != nil {
		return httpError(err)
	}
	setETag(c, tr.Version)
	return c.JSON(http.StatusOK, tr)
}

func (h *Handler) load(c echo.Context) (*TestRequest, error) {
	actor, err := actorFrom(c)
	if err != nil {
		return nil, err
	}
	id, err := parseID(c)
	if err != nil {
		return nil, err
	}
	tr, err := h.engine.GetByID(c.Request().Context(), actor, id)
	if err != nil {
		return nil, httpError(err)
	}
	return tr, nil
}

func actorFrom(c echo.Context) (Actor, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	return actorFromIdentity(id), nil
}

func actorFromIdentity(id auth.Identity) Actor {
	role, ok := ParseRole(id.Role)
	if !ok {
		// Unknown roles are refused by the guard with a proper Forbidden.
		role = Role(id.Role)
	}
	return Actor{ID: id.ID, Role: role, CenterID: id.CenterID}
}

// FeedTopics is the websocket.TopicResolver for the live event feed.
func (h *Handler) FeedTopics(id auth.Identity) ([]string, error) {
	topics, err := feedTopics(actorFromIdentity(id))
	if err != nil {
		return nil, httpError(err)
	}
	return topics, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, httpError(validationError("id", "invalid id"))
	}
	return id, nil
}

// decodeJSON decodes an optional JSON body; an empty body leaves v unchanged.
func decodeJSON(body io.Reader, v any) error {
	if body == nil {
		return nil
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func etag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

func setETag(c echo.Context, version int) {
	c.Response().Header().Set("ETag", etag(version))
}

// baseVersion resolves the version a write is based on. If-Match wins;
// a body version that disagrees with it is rejected.
func baseVersion(ifMatch string, body *int) (int, error) {
	ifMatch = strings.TrimSpace(ifMatch)
	if ifMatch == "" || ifMatch == "*" {
		if body == nil {
			return AnyVersion, nil
		}
		if *body < 0 {
			return 0, validationError("base_version", "must not be negative")
		}
		return *body, nil
	}
	v, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(ifMatch, "W/"), `"`))
	if err != nil || v < 0 {
		return 0, validationError("If-Match", "must be an entity tag such as W/\"3\"")
	}
	if body != nil && *body != v {
		return 0, validationError("base_version", "disagrees with If-Match")
	}
	return v, nil
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindForbidden:
		return http.StatusForbidden
	case KindIllegalTransition, KindVersionConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func httpError(err error) error {
	var we *WorkflowError
	if errors.As(err, &we) {
		return echo.NewHTTPError(statusFor(we.Kind), we)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, &WorkflowError{
		Kind:    KindInternal,
		Message: "internal error",
	}).SetInternal(err)
}

func blobError(err error) error {
	switch {
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, &WorkflowError{Kind: KindValidation, Field: "file", Message: err.Error()})
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, &WorkflowError{Kind: KindValidation, Field: "file", Message: err.Error()})
	case errors.Is(err, blobstore.ErrMissingFileName), errors.Is(err, blobstore.ErrEmptyFile):
		return httpError(validationError("file", "%v", err))
	case errors.Is(err, blobstore.ErrBlobNotFound), errors.Is(err, blobstore.ErrInvalidHandle):
		return httpError(&WorkflowError{Kind: KindNotFound, Field: "report", Message: err.Error()})
	default:
		return echo.NewHTTPError(http.StatusBadGateway, &WorkflowError{
			Kind:    KindInternal,
			Message: "report store unavailable",
		}).SetInternal(err)
	}
}

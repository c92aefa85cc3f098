package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"nexflow-crm/backend/internal/importer"
	"nexflow-crm/backend/internal/logging"
	"nexflow-crm/backend/internal/services"
	"nexflow-crm/backend/internal/storage"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// Server implements ServerInterface on top of the resource services.
type Server struct {
	svc    *services.Services
	files  *storage.FileStorage
	logger *logging.Logger
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates a new Server.
func NewServer(svc *services.Services, files *storage.FileStorage, logger *logging.Logger) *Server {
	return &Server{svc: svc, files: files, logger: logger}
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return nil
}

// Me describes the session a request runs under.
type Me struct {
	TenantID    string      `json:"tenant_id"`
	PrincipalID string      `json:"principal_id"`
	Role        models.Role `json:"role"`
	TeamIDs     []string    `json:"team_ids"`
}

func (s *Server) GetMe(c echo.Context) error {
	sess, ok := tenant.FromContext(c.Request().Context())
	if !ok || !sess.Valid() {
		return tenant.ErrNoTenant
	}
	return c.JSON(http.StatusOK, Me{
		TenantID:    sess.TenantID(),
		PrincipalID: sess.PrincipalID(),
		Role:        sess.Role(),
		TeamIDs:     sess.TeamIDs(),
	})
}

// Flows

func (s *Server) ListFlows(c echo.Context) error {
	flows, err := s.svc.Flows.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flows)
}

func (s *Server) CreateFlow(c echo.Context) error {
	var in services.FlowInput
	if err := bind(c, &in); err != nil {
		return err
	}
	flow, err := s.svc.Flows.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, flow)
}

func (s *Server) GetFlow(c echo.Context, flowID string) error {
	flow, err := s.svc.Flows.Get(c.Request().Context(), flowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flow)
}

func (s *Server) UpdateFlow(c echo.Context, flowID string) error {
	var patch models.FlowPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	flow, err := s.svc.Flows.Update(c.Request().Context(), flowID, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flow)
}

func (s *Server) DeleteFlow(c echo.Context, flowID string) error {
	if err := s.svc.Flows.Delete(c.Request().Context(), flowID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) CheckFlowAccess(c echo.Context, flowID string) error {
	access, err := s.svc.Flows.CheckAccess(c.Request().Context(), flowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, access)
}

// Steps

// OrderRequest is the body of the reorder endpoints.
type OrderRequest struct {
	OrderedIDs []string `json:"ordered_ids"`
}

func (s *Server) ListSteps(c echo.Context, flowID string) error {
	steps, err := s.svc.Steps.List(c.Request().Context(), flowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, steps)
}

func (s *Server) CreateStep(c echo.Context, flowID string) error {
	var in services.StepInput
	if err := bind(c, &in); err != nil {
		return err
	}
	step, err := s.svc.Steps.Create(c.Request().Context(), flowID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, step)
}

func (s *Server) ReorderSteps(c echo.Context, flowID string) error {
	var in OrderRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	if err := s.svc.Steps.Reorder(c.Request().Context(), flowID, in.OrderedIDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) UpdateStep(c echo.Context, flowID, stepID string) error {
	var patch models.StepPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	step, err := s.svc.Steps.Update(c.Request().Context(), flowID, stepID, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, step)
}

func (s *Server) DeleteStep(c echo.Context, flowID, stepID string) error {
	if err := s.svc.Steps.Delete(c.Request().Context(), flowID, stepID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ImportCards reads a multipart upload: "file" holds the CSV and the
// optional "mapping" a JSON object of column name to field slug.
func (s *Server) ImportCards(c echo.Context, flowID, stepID string) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return validation.Errors{{Field: "file", Message: "a CSV file is required"}}
	}
	var mapping importer.Mapping
	if raw := strings.TrimSpace(c.FormValue("mapping")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			return validation.Errors{{Field: "mapping", Message: "must be a JSON object of column to field slug"}}
		}
	}
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	res, err := s.svc.Import.Import(c.Request().Context(), flowID, stepID, src, mapping)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Fields

func (s *Server) ListFields(c echo.Context, stepID string) error {
	fields, err := s.svc.Fields.List(c.Request().Context(), stepID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, fields)
}

func (s *Server) CreateField(c echo.Context, stepID string) error {
	var in services.FieldInput
	if err := bind(c, &in); err != nil {
		return err
	}
	field, err := s.svc.Fields.Create(c.Request().Context(), stepID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, field)
}

func (s *Server) ReorderFields(c echo.Context, stepID string) error {
	var in OrderRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	if err := s.svc.Fields.Reorder(c.Request().Context(), stepID, in.OrderedIDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) UpdateField(c echo.Context, stepID, fieldID string) error {
	var patch models.FieldPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	field, err := s.svc.Fields.Update(c.Request().Context(), stepID, fieldID, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, field)
}

func (s *Server) DeleteField(c echo.Context, stepID, fieldID string) error {
	if err := s.svc.Fields.Delete(c.Request().Context(), stepID, fieldID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Board and cards

// MoveRequest is the body of POST /cards/{cardId}/move.
type MoveRequest struct {
	StepID   string  `json:"step_id"`
	Position float64 `json:"position"`
}

// CommentRequest is the body of POST /cards/{cardId}/comments.
type CommentRequest struct {
	Message string `json:"message"`
}

func (s *Server) GetBoard(c echo.Context, flowID string) error {
	board, err := s.svc.Cards.Board(c.Request().Context(), flowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, board)
}

func (s *Server) CreateCard(c echo.Context, flowID string) error {
	var in services.CardInput
	if err := bind(c, &in); err != nil {
		return err
	}
	card, err := s.svc.Cards.Create(c.Request().Context(), flowID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, card)
}

func (s *Server) GetCard(c echo.Context, cardID string) error {
	card, err := s.svc.Cards.Get(c.Request().Context(), cardID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) UpdateCard(c echo.Context, cardID string) error {
	var patch models.CardPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	card, err := s.svc.Cards.Update(c.Request().Context(), cardID, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) MoveCard(c echo.Context, cardID string) error {
	var in MoveRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	if in.StepID == "" {
		return validation.Errors{{Field: "step_id", Message: "is required"}}
	}
	card, err := s.svc.Cards.Move(c.Request().Context(), cardID, in.StepID, in.Position)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) DeleteCard(c echo.Context, cardID string) error {
	if err := s.svc.Cards.Delete(c.Request().Context(), cardID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ListActivities(c echo.Context, cardID string) error {
	acts, err := s.svc.Activities.List(c.Request().Context(), cardID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, acts)
}

func (s *Server) AddComment(c echo.Context, cardID string) error {
	var in CommentRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	act, err := s.svc.Activities.Comment(c.Request().Context(), cardID, in.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, act)
}

// Notifications

// ReadRequest is the body of PATCH /notifications/{notificationId}.
type ReadRequest struct {
	Read *bool `json:"read"`
}

func (s *Server) ListNotifications(c echo.Context, params ListNotificationsParams) error {
	list, err := s.svc.Notifications.List(c.Request().Context())
	if err != nil {
		return err
	}
	if params.Unread != nil && *params.Unread {
		unread := make([]models.Notification, 0, len(list))
		for _, n := range list {
			if !n.Read {
				unread = append(unread, n)
			}
		}
		list = unread
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) SendNotification(c echo.Context) error {
	var in services.NotificationInput
	if err := bind(c, &in); err != nil {
		return err
	}
	n, err := s.svc.Notifications.Notify(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, n)
}

func (s *Server) UnreadCount(c echo.Context) error {
	n, err := s.svc.Notifications.UnreadCount(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) MarkAllNotificationsRead(c echo.Context) error {
	n, err := s.svc.Notifications.MarkAllRead(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) MarkNotificationRead(c echo.Context, notificationID string) error {
	var in ReadRequest
	if err := bind(c, &in); err != nil {
		return err
	}
	read := in.Read == nil || *in.Read
	n, err := s.svc.Notifications.MarkRead(c.Request().Context(), notificationID, read)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

// Partners

func (s *Server) ListPartners(c echo.Context) error {
	list, err := s.svc.Partners.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) CreatePartner(c echo.Context) error {
	var in services.PartnerInput
	if err := bind(c, &in); err != nil {
		return err
	}
	p, err := s.svc.Partners.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) UpdatePartner(c echo.Context, partnerID string) error {
	var patch models.PartnerPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	p, err := s.svc.Partners.Update(c.Request().Context(), partnerID, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) DeletePartner(c echo.Context, partnerID string) error {
	if err := s.svc.Partners.Delete(c.Request().Context(), partnerID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Forms

func (s *Server) ListForms(c echo.Context) error {
	list, err := s.svc.Forms.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) CreateForm(c echo.Context) error {
	var in services.FormInput
	if err := bind(c, &in); err != nil {
		return err
	}
	f, err := s.svc.Forms.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, f)
}

// SubmitForm is the public submission endpoint. It accepts a JSON object
// of strings or a url-encoded form.
func (s *Server) SubmitForm(c echo.Context) error {
	formID, err := pathParam(c, "formId")
	if err != nil {
		return err
	}
	values := map[string]string{}
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := json.NewDecoder(c.Request().Body).Decode(&values); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
		}
	} else {
		form, err := c.FormParams()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid form body: "+err.Error())
		}
		for k := range form {
			values[k] = form.Get(k)
		}
	}
	card, err := s.svc.Forms.Submit(c.Request().Context(), formID, values)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"card_id": card.ID})
}

// Files

func (s *Server) ListFiles(c echo.Context) error {
	list, err := s.files.List(c.Request().Context())
	if err != nil {
		return err
	}
	if list == nil {
		list = []storage.Object{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) UploadFile(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return validation.Errors{{Field: "file", Message: "a file is required"}}
	}
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	obj, err := s.files.Upload(c.Request().Context(), fh.Filename, src, fh.Size, fh.Header.Get(echo.HeaderContentType))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, obj)
}

func (s *Server) DeleteFile(c echo.Context, key string) error {
	if err := s.files.Remove(c.Request().Context(), key); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// RegisterPublicHandlers adds the routes that need no session.
func RegisterPublicHandlers(router EchoRouter, s *Server, h *Handler) {
	router.GET("/healthz", h.HandleHealth)
	router.POST("/public/forms/:formId/submissions", s.SubmitForm)
}

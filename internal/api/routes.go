package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface represents all server handlers of /api/v1.
type ServerInterface interface {
	// (GET /me)
	GetMe(ctx echo.Context) error

	// (GET /flows)
	ListFlows(ctx echo.Context) error
	// (POST /flows)
	CreateFlow(ctx echo.Context) error
	// (GET /flows/{flowId})
	GetFlow(ctx echo.Context, flowID string) error
	// (PATCH /flows/{flowId})
	UpdateFlow(ctx echo.Context, flowID string) error
	// (DELETE /flows/{flowId})
	DeleteFlow(ctx echo.Context, flowID string) error
	// (GET /flows/{flowId}/access)
	CheckFlowAccess(ctx echo.Context, flowID string) error

	// (GET /flows/{flowId}/steps)
	ListSteps(ctx echo.Context, flowID string) error
	// (POST /flows/{flowId}/steps)
	CreateStep(ctx echo.Context, flowID string) error
	// (PUT /flows/{flowId}/steps/order)
	ReorderSteps(ctx echo.Context, flowID string) error
	// (PATCH /flows/{flowId}/steps/{stepId})
	UpdateStep(ctx echo.Context, flowID, stepID string) error
	// (DELETE /flows/{flowId}/steps/{stepId})
	DeleteStep(ctx echo.Context, flowID, stepID string) error
	// (POST /flows/{flowId}/steps/{stepId}/import)
	ImportCards(ctx echo.Context, flowID, stepID string) error

	// (GET /steps/{stepId}/fields)
	ListFields(ctx echo.Context, stepID string) error
	// (POST /steps/{stepId}/fields)
	CreateField(ctx echo.Context, stepID string) error
	// (PUT /steps/{stepId}/fields/order)
	ReorderFields(ctx echo.Context, stepID string) error
	// (PATCH /steps/{stepId}/fields/{fieldId})
	UpdateField(ctx echo.Context, stepID, fieldID string) error
	// (DELETE /steps/{stepId}/fields/{fieldId})
	DeleteField(ctx echo.Context, stepID, fieldID string) error

	// (GET /flows/{flowId}/board)
	GetBoard(ctx echo.Context, flowID string) error
	// (POST /flows/{flowId}/cards)
	CreateCard(ctx echo.Context, flowID string) error
	// (GET /cards/{cardId})
	GetCard(ctx echo.Context, cardID string) error
	// (PATCH /cards/{cardId})
	UpdateCard(ctx echo.Context, cardID string) error
	// (POST /cards/{cardId}/move)
	MoveCard(ctx echo.Context, cardID string) error
	// (DELETE /cards/{cardId})
	DeleteCard(ctx echo.Context, cardID string) error
	// (GET /cards/{cardId}/activities)
	ListActivities(ctx echo.Context, cardID string) error
	// (POST /cards/{cardId}/comments)
	AddComment(ctx echo.Context, cardID string) error

	// (GET /notifications)
	ListNotifications(ctx echo.Context, params ListNotificationsParams) error
	// (POST /notifications)
	SendNotification(ctx echo.Context) error
	// (GET /notifications/unread-count)
	UnreadCount(ctx echo.Context) error
	// (POST /notifications/read-all)
	MarkAllNotificationsRead(ctx echo.Context) error
	// (PATCH /notifications/{notificationId})
	MarkNotificationRead(ctx echo.Context, notificationID string) error

	// (GET /partners)
	ListPartners(ctx echo.Context) error
	// (POST /partners)
	CreatePartner(ctx echo.Context) error
	// (PATCH /partners/{partnerId})
	UpdatePartner(ctx echo.Context, partnerID string) error
	// (DELETE /partners/{partnerId})
	DeletePartner(ctx echo.Context, partnerID string) error

	// (GET /forms)
	ListForms(ctx echo.Context) error
	// (POST /forms)
	CreateForm(ctx echo.Context) error

	// (GET /files)
	ListFiles(ctx echo.Context) error
	// (POST /files)
	UploadFile(ctx echo.Context) error
	// (DELETE /files/*)
	DeleteFile(ctx echo.Context, key string) error
}

// ListNotificationsParams defines parameters for ListNotifications.
type ListNotificationsParams struct {
	// Unread restricts the list to unread notifications.
	Unread *bool `form:"unread,omitempty" json:"unread,omitempty"`
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func pathParam(ctx echo.Context, name string) (string, error) {
	var value string
	err := runtime.BindStyledParameterWithOptions("simple", name, ctx.Param(name), &value,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	if value == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Missing parameter %s", name))
	}
	return value, nil
}

// with1 and with2 bind path parameters before calling a handler.
func with1(name string, h func(echo.Context, string) error) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		a, err := pathParam(ctx, name)
		if err != nil {
			return err
		}
		return h(ctx, a)
	}
}

func with2(first, second string, h func(echo.Context, string, string) error) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		a, err := pathParam(ctx, first)
		if err != nil {
			return err
		}
		b, err := pathParam(ctx, second)
		if err != nil {
			return err
		}
		return h(ctx, a, b)
	}
}

// ListNotifications converts echo context to params.
func (w *ServerInterfaceWrapper) ListNotifications(ctx echo.Context) error {
	var params ListNotificationsParams
	err := runtime.BindQueryParameter("form", true, false, "unread", ctx.QueryParams(), &params.Unread)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter unread: %s", err))
	}
	return w.Handler.ListNotifications(ctx, params)
}

// DeleteFile takes the object key from the wildcard segment.
func (w *ServerInterfaceWrapper) DeleteFile(ctx echo.Context) error {
	key := ctx.Param("*")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing object key")
	}
	return w.Handler.DeleteFile(ctx, key)
}

// EchoRouter is implemented by both echo.Echo and echo.Group.
type EchoRouter interface {
	CONNECT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	HEAD(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	OPTIONS(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PATCH(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	TRACE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the EchoRouter.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	w := ServerInterfaceWrapper{Handler: si}

	router.GET("/me", si.GetMe)

	router.GET("/flows", si.ListFlows)
	router.POST("/flows", si.CreateFlow)
	router.GET("/flows/:flowId", with1("flowId", si.GetFlow))
	router.PATCH("/flows/:flowId", with1("flowId", si.UpdateFlow))
	router.DELETE("/flows/:flowId", with1("flowId", si.DeleteFlow))
	router.GET("/flows/:flowId/access", with1("flowId", si.CheckFlowAccess))

	router.GET("/flows/:flowId/steps", with1("flowId", si.ListSteps))
	router.POST("/flows/:flowId/steps", with1("flowId", si.CreateStep))
	router.PUT("/flows/:flowId/steps/order", with1("flowId", si.ReorderSteps))
	router.PATCH("/flows/:flowId/steps/:stepId", with2("flowId", "stepId", si.UpdateStep))
	router.DELETE("/flows/:flowId/steps/:stepId", with2("flowId", "stepId", si.DeleteStep))
	router.POST("/flows/:flowId/steps/:stepId/import", with2("flowId", "stepId", si.ImportCards))

	router.GET("/steps/:stepId/fields", with1("stepId", si.ListFields))
	router.POST("/steps/:stepId/fields", with1("stepId", si.CreateField))
	router.PUT("/steps/:stepId/fields/order", with1("stepId", si.ReorderFields))
	router.PATCH("/steps/:stepId/fields/:fieldId", with2("stepId", "fieldId", si.UpdateField))
	router.DELETE("/steps/:stepId/fields/:fieldId", with2("stepId", "fieldId", si.DeleteField))

	router.GET("/flows/:flowId/board", with1("flowId", si.GetBoard))
	router.POST("/flows/:flowId/cards", with1("flowId", si.CreateCard))
	router.GET("/cards/:cardId", with1("cardId", si.GetCard))
	router.PATCH("/cards/:cardId", with1("cardId", si.UpdateCard))
	router.POST("/cards/:cardId/move", with1("cardId", si.MoveCard))
	router.DELETE("/cards/:cardId", with1("cardId", si.DeleteCard))
	router.GET("/cards/:cardId/activities", with1("cardId", si.ListActivities))
	router.POST("/cards/:cardId/comments", with1("cardId", si.AddComment))

	router.GET("/notifications", w.ListNotifications)
	router.POST("/notifications", si.SendNotification)
	router.GET("/notifications/unread-count", si.UnreadCount)
	router.POST("/notifications/read-all", si.MarkAllNotificationsRead)
	router.PATCH("/notifications/:notificationId", with1("notificationId", si.MarkNotificationRead))

	router.GET("/partners", si.ListPartners)
	router.POST("/partners", si.CreatePartner)
	router.PATCH("/partners/:partnerId", with1("partnerId", si.UpdatePartner))
	router.DELETE("/partners/:partnerId", with1("partnerId", si.DeletePartner))

	router.GET("/forms", si.ListForms)
	router.POST("/forms", si.CreateForm)

	router.GET("/files", si.ListFiles)
	router.POST("/files", si.UploadFile)
	router.DELETE("/files/*", w.DeleteFile)
}

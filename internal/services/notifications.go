package services

import (
	"context"

	"nexflow-crm/backend/internal/secure"
	"nexflow-crm/backend/internal/tenant"
	"nexflow-crm/backend/internal/validation"
	"nexflow-crm/backend/pkg/models"
)

// NotificationService manages the principal's inbox.
type NotificationService struct {
	base
}

// List returns the principal's notifications, newest first.
func (s *NotificationService) List(ctx context.Context) ([]models.Notification, error) {
	return secure.Query(ctx, s.client, secure.QuerySpec[models.Notification]{
		Resource:       ResourceNotifications,
		PerPrincipal:   true,
		ValidateTenant: true,
		Fetch: func(ctx context.Context, sess tenant.Session) ([]models.Notification, error) {
			return s.repo.ListNotifications(ctx, sess.TenantID(), sess.PrincipalID())
		},
	})
}

// UnreadCount counts unread notifications.
func (s *NotificationService) UnreadCount(ctx context.Context) (int, error) {
	list, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range list {
		if !item.Read {
			n++
		}
	}
	return n, nil
}

type readToggle struct {
	id   string
	read bool
}

// MarkRead sets the read flag of one notification. The inbox shows the new
// state immediately and reverts if the write fails.
func (s *NotificationService) MarkRead(ctx context.Context, id string, read bool) (*models.Notification, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[readToggle, *models.Notification]{
		Name:           "mark_notification_read",
		ValidateTenant: true,
		ErrorMessage:   "Could not update notification",
		Optimistic: func(sess tenant.Session, in readToggle) []secure.Patch {
			return []secure.Patch{s.inboxPatch(sess, func(n models.Notification) models.Notification {
				if n.ID == in.id {
					n.Read = in.read
				}
				return n
			})}
		},
		Do: func(ctx context.Context, sess tenant.Session, in readToggle) (*models.Notification, error) {
			return s.repo.SetNotificationRead(ctx, sess.TenantID(), sess.PrincipalID(), in.id, in.read)
		},
	}, readToggle{id: id, read: read})
}

// MarkAllRead marks every notification of the principal as read and returns
// how many changed.
func (s *NotificationService) MarkAllRead(ctx context.Context) (int, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[struct{}, int]{
		Name:         "mark_all_notifications_read",
		ErrorMessage: "Could not update notifications",
		Optimistic: func(sess tenant.Session, _ struct{}) []secure.Patch {
			return []secure.Patch{s.inboxPatch(sess, func(n models.Notification) models.Notification {
				n.Read = true
				return n
			})}
		},
		Do: func(ctx context.Context, sess tenant.Session, _ struct{}) (int, error) {
			return s.repo.MarkAllNotificationsRead(ctx, sess.TenantID(), sess.PrincipalID())
		},
	}, struct{}{})
}

func (s *NotificationService) inboxPatch(sess tenant.Session, fn func(models.Notification) models.Notification) secure.Patch {
	return secure.Optimistic(s.client.PrincipalKey(sess, ResourceNotifications), func(list []models.Notification) []models.Notification {
		out := make([]models.Notification, len(list))
		for i, n := range list {
			out[i] = fn(n)
		}
		return out
	})
}

// NotificationInput is the payload for sending a notification.
type NotificationInput struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Link   string `json:"link"`
}

// Notify sends a notification to a principal of the same tenant.
func (s *NotificationService) Notify(ctx context.Context, in NotificationInput) (*models.Notification, error) {
	return secure.Mutate(ctx, s.client, secure.MutationSpec[NotificationInput, *models.Notification]{
		Name:           "notify",
		ValidateTenant: true,
		SuccessMessage: "Notification sent",
		ErrorMessage:   "Could not send notification",
		Do: func(ctx context.Context, sess tenant.Session, in NotificationInput) (*models.Notification, error) {
			if err := validation.Required("title", in.Title); err != nil {
				return nil, err
			}
			// The recipient must belong to the caller's tenant.
			if _, err := s.repo.GetUser(ctx, sess.TenantID(), in.UserID); err != nil {
				return nil, err
			}
			n := &models.Notification{
				TenantID: sess.TenantID(),
				UserID:   in.UserID,
				Title:    in.Title,
				Body:     in.Body,
				Link:     in.Link,
			}
			if err := s.repo.CreateNotification(ctx, n); err != nil {
				return nil, err
			}
			return n, nil
		},
	}, in)
}

// notify writes a notification for userID as part of another write.
func (s *NotificationService) notify(ctx context.Context, tenantID, userID, title, body, link string) error {
	return s.repo.CreateNotification(ctx, &models.Notification{
		TenantID: tenantID,
		UserID:   userID,
		Title:    title,
		Body:     body,
		Link:     link,
	})
}

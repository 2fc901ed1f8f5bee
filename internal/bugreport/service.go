// Package bugreport はログインユーザーからのバグレポートを受け付ける。
package bugreport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"

	"github.com/yowxmods/yowx/internal/diagnostics"
	"github.com/yowxmods/yowx/internal/model"
	"github.com/yowxmods/yowx/internal/repository"
	"github.com/yowxmods/yowx/internal/security"
	"github.com/yowxmods/yowx/internal/session"
)

// MaxMessageLength はバグレポート本文の最大文字数。
const MaxMessageLength = 4000

// TooLongDescription は本文が長すぎる場合の通知文。
var TooLongDescription = fmt.Sprintf("Your message must be at most %d characters", MaxMessageLength)

// Service はバグレポートの保存と運用者への転送を行う。
type Service struct {
	repo      repository.BugReportRepository
	store     *session.Store
	sanitizer security.TextSanitizer
	diag      diagnostics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	repo repository.BugReportRepository,
	store *session.Store,
	sanitizer security.TextSanitizer,
	diag diagnostics.Recorder,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		store:     store,
		sanitizer: sanitizer,
		diag:      diag,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit はバグレポートを保存し、warningの診断メッセージとして転送する。
// 結果はSession Storeの通知として表示される。
func (s *Service) Submit(ctx context.Context, message string) (*model.BugReport, error) {
	user := s.store.User()
	if user == nil {
		s.store.Notify(model.NewErrorNotice("Error", "You must be logged in to submit a bug report"))
		return nil, model.NewUnauthorizedError()
	}

	msg := s.sanitizer.Sanitize(message)
	if err := validation.Validate(msg, validation.Required); err != nil {
		s.store.Notify(model.NewErrorNotice("Error", "Please enter a message"))
		return nil, model.NewValidationError("message " + err.Error())
	}
	if err := validation.Validate(msg, validation.RuneLength(1, MaxMessageLength)); err != nil {
		s.store.Notify(model.NewErrorNotice("Error", TooLongDescription))
		return nil, model.NewValidationError("message " + err.Error())
	}

	report := &model.BugReport{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Message:   msg,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, report); err != nil {
		s.logger.Error("バグレポートの送信に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		s.store.Notify(model.NewErrorNotice("Error", "Failed to submit bug report"))
		return nil, model.NewBugReportFailedError()
	}

	diagnostics.Recordf(s.diag, diagnostics.SeverityWarning, "Bug Report from %s:\n%s", user.Username, msg)
	s.store.Notify(model.NewInfoNotice("Success", "Your bug report has been submitted"))
	s.logger.Info("バグレポートを受け付けました",
		slog.String("report_id", report.ID),
		slog.String("user_id", user.ID),
	)
	return report, nil
}

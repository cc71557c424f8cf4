package mail

import (
	"fmt"
	"net/http"

	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
	"github.com/nhle/provisioner/internal/pace"
)

// Deps are the collaborators shared by all backends.
type Deps struct {
	HTTPClient *http.Client
	Tokens     TokenSource
	Pacer      *pace.Pacer
	Log        logging.Logger
}

// NewBackend builds the backend selected by cfg.Backend.
func NewBackend(cfg model.MailConfig, deps Deps) (Backend, error) {
	if deps.Pacer == nil {
		deps.Pacer = pace.New()
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}

	switch cfg.Backend {
	case model.MailBackendInboxAPI:
		return NewInboxAPI(cfg.Inbox, deps.HTTPClient, deps.Pacer, deps.Log), nil
	case model.MailBackendIMAP:
		return NewIMAPClient(cfg.IMAP, deps.Tokens, deps.Pacer, deps.Log), nil
	case model.MailBackendPOP3:
		return NewPOP3Client(cfg.POP3, deps.Pacer, deps.Log), nil
	default:
		return nil, &model.ConfigError{
			Key:     "mail.backend",
			Message: fmt.Sprintf("unknown backend %q", cfg.Backend),
		}
	}
}

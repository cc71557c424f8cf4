package mail

import (
	"context"
	"fmt"
	"net"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/nhle/provisioner/internal/model"
)

// imapSession is the subset of an IMAP connection the client needs.
type imapSession interface {
	Login(username, password string) error
	Authenticate(client sasl.Client) error
	ID(id *imap.IDData) error
	Select(mailbox string) error
	Search(criteria *imap.SearchCriteria) ([]imap.UID, error)
	FetchRaw(uid imap.UID) ([]byte, error)
	MarkDeleted(uid imap.UID) error
	Logout() error
}

// imapDialer opens an unauthenticated session.
type imapDialer func(ctx context.Context, cfg model.IMAPConfig) (imapSession, error)

// dialIMAP connects using the configured security mode. The connection is
// closed early if ctx is cancelled.
func dialIMAP(ctx context.Context, cfg model.IMAPConfig) (imapSession, error) {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)

	var (
		client *imapclient.Client
		err    error
	)
	switch cfg.Security {
	case "starttls":
		client, err = imapclient.DialStartTLS(addr, nil)
	case "insecure":
		client, err = imapclient.DialInsecure(addr, nil)
	default:
		client, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	return &goIMAPSession{client: client, stop: stop}, nil
}

// goIMAPSession adapts a go-imap v2 client.
type goIMAPSession struct {
	client *imapclient.Client
	stop   func() bool
}

func (s *goIMAPSession) Login(username, password string) error {
	return s.client.Login(username, password).Wait()
}

func (s *goIMAPSession) Authenticate(client sasl.Client) error {
	return s.client.Authenticate(client)
}

func (s *goIMAPSession) ID(id *imap.IDData) error {
	_, err := s.client.ID(id).Wait()
	return err
}

func (s *goIMAPSession) Select(mailbox string) error {
	_, err := s.client.Select(mailbox, nil).Wait()
	return err
}

func (s *goIMAPSession) Search(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

// FetchRaw returns the full RFC 822 message without setting \Seen.
func (s *goIMAPSession) FetchRaw(uid imap.UID) ([]byte, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}
	raw := buf.FindBodySection(bodySection)

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching message UID %d: %w", uid, err)
	}
	return raw, nil
}

// MarkDeleted flags the message \Deleted and expunges the mailbox.
func (s *goIMAPSession) MarkDeleted(uid imap.UID) error {
	storeCmd := s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("flagging UID %d deleted: %w", uid, err)
	}
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunging mailbox: %w", err)
	}
	return nil
}

func (s *goIMAPSession) Logout() error {
	s.stop()
	err := s.client.Logout().Wait()
	_ = s.client.Close()
	return err
}

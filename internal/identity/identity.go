// Package identity generates throwaway account identities.
package identity

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/big"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nhle/provisioner/internal/logging"
	"github.com/nhle/provisioner/internal/model"
)

const (
	passwordLength  = 12
	passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"
	maxTailDigits   = 4
)

var fallbackNames = []string{
	"John", "Jane", "Alex", "Emma", "Michael", "Olivia", "William", "Sophia",
	"James", "Isabella", "Robert", "Mia", "David", "Charlotte", "Joseph", "Amelia",
}

// Identity is the data typed into a signup form.
type Identity struct {
	FirstName string
	LastName  string
	Email     string
	Password  string
}

// Source produces identities.
type Source interface {
	Generate(ctx context.Context) (Identity, error)
}

// NewSource builds the identity source selected by cfg.Source. client is
// only used by HideMyEmail; nil gets the configured timeout.
func NewSource(cfg model.IdentityConfig, client *http.Client, log logging.Logger) (Source, error) {
	switch cfg.Source {
	case model.IdentitySourceGenerator, "":
		gen, err := NewGenerator(cfg, log)
		if err != nil {
			return nil, err
		}
		return gen, nil
	case model.IdentitySourceHideMyEmail:
		hme, err := NewHideMyEmail(cfg, client, log)
		if err != nil {
			return nil, err
		}
		return hme, nil
	default:
		return nil, &model.ConfigError{Key: "identity.source", Message: fmt.Sprintf("unknown source %q", cfg.Source)}
	}
}

// namePool picks names and passwords for identities.
type namePool struct {
	names []string

	// secret feeds password generation.
	secret io.Reader

	mu  sync.Mutex
	rnd *rand.Rand
}

func newNamePool(path string, log logging.Logger) (*namePool, error) {
	names := fallbackNames
	if path != "" {
		loaded, err := LoadNames(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Warn(context.Background(), "names file not found, using built-in names", "path", path)
		case err != nil:
			return nil, err
		case len(loaded) > 0:
			names = loaded
		}
	}
	return &namePool{
		names:  names,
		secret: crand.Reader,
		rnd:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

func (p *namePool) pick() (first, last string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.names[p.rnd.IntN(len(p.names))], p.names[p.rnd.IntN(len(p.names))]
}

func (p *namePool) intN(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd.IntN(n)
}

func (p *namePool) password() (string, error) {
	limit := big.NewInt(int64(len(passwordCharset)))
	out := make([]byte, passwordLength)
	for i := range out {
		n, err := crand.Int(p.secret, limit)
		if err != nil {
			return "", fmt.Errorf("generating password: %w", err)
		}
		out[i] = passwordCharset[n.Int64()]
	}
	return string(out), nil
}

// Generator builds identities from a names list and a mail domain.
type Generator struct {
	*namePool

	domain string
	now    func() time.Time
}

// NewGenerator loads names from cfg.NamesFile, falling back to a built-in
// list when the file is missing or empty.
func NewGenerator(cfg model.IdentityConfig, log logging.Logger) (*Generator, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, &model.ConfigError{Key: "identity.domain", Message: "required to generate email addresses"}
	}

	pool, err := newNamePool(cfg.NamesFile, log)
	if err != nil {
		return nil, err
	}

	return &Generator{
		namePool: pool,
		domain:   strings.TrimPrefix(strings.TrimSpace(cfg.Domain), "@"),
		now:      time.Now,
	}, nil
}

// LoadNames reads whitespace-separated names from path.
func LoadNames(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading names file: %w", err)
	}
	return strings.Fields(string(data)), nil
}

// Generate returns a fresh identity. The address is the first name
// followed by the last one to four digits of the current Unix time, or
// by the whole timestamp.
func (g *Generator) Generate(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	first, last := g.pick()
	password, err := g.password()
	if err != nil {
		return Identity{}, err
	}

	stamp := strconv.FormatInt(g.now().Unix(), 10)
	tail := timestampTail(stamp, g.intN(maxTailDigits+1))

	return Identity{
		FirstName: first,
		LastName:  last,
		Email:     strings.ToLower(first) + tail + "@" + g.domain,
		Password:  password,
	}, nil
}

// timestampTail returns the last n digits of stamp. Zero selects the
// whole stamp.
func timestampTail(stamp string, n int) string {
	if n <= 0 || n >= len(stamp) {
		return stamp
	}
	return stamp[len(stamp)-n:]
}

package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNamespaceNotFound is returned by backends when an operation names a
// namespace that does not exist.
var ErrNamespaceNotFound = errors.New("namespace not found")

type Purpose uint8

const (
	Static Purpose = iota
	Dynamic
)

func (p Purpose) String() string {
	if p == Static {
		return "static"
	}
	return "dynamic"
}

// Namespace is a named, versioned container of entries.
type Namespace struct {
	Name       string
	Generation string
	Purpose    Purpose
}

// NamespaceName joins the non-empty parts of prefix, generation and purpose.
// NamespaceName("", "v2", Static) is "v2-static", NamespaceName("", "", Dynamic)
// is "dynamic".
func NamespaceName(prefix, generation string, p Purpose) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{prefix, generation, p.String()} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "-")
}

// NewNamespace builds a Namespace with a derived name.
func NewNamespace(prefix, generation string, p Purpose) Namespace {
	return Namespace{Name: NamespaceName(prefix, generation, p), Generation: generation, Purpose: p}
}

// Entry is an immutable cached response.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Backend is a namespaced entry store. Store must be all-or-nothing per
// entry. Get returns (nil, nil) on a miss.
type Backend interface {
	Namespaces(ctx context.Context) ([]string, error)
	CreateNamespace(ctx context.Context, name string) error
	// DeleteNamespace removes a namespace and all of its entries.
	// It returns false if the namespace did not exist.
	DeleteNamespace(ctx context.Context, name string) (bool, error)

	Get(ctx context.Context, namespace, key string) (*Entry, error)
	Store(ctx context.Context, namespace string, e *Entry) error

	Len() int

	io.Closer
}

// Package classify maps an intercepted request to the strategy family that
// serves it. Rules are an ordered table; the first matching rule wins.
package classify

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/message"
)

type Class uint8

const (
	Unclassified Class = iota
	Static
	API
	External
	// NonCacheable is any non-GET request. It bypasses the strategies and is
	// only eligible for the offline mutation queue.
	NonCacheable
)

func (c Class) String() string {
	switch c {
	case Static:
		return "static"
	case API:
		return "api"
	case External:
		return "external"
	case NonCacheable:
		return "non_cacheable"
	default:
		return "unclassified"
	}
}

// ParseClass parses the config name of a cacheable class.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static":
		return Static, nil
	case "api":
		return API, nil
	case "external":
		return External, nil
	case "unclassified", "":
		return Unclassified, nil
	default:
		return Unclassified, fmt.Errorf("unknown class %q", s)
	}
}

// Rule is one row of the classification table.
type Rule struct {
	Name  string
	Match func(r *message.Request) bool
	Class Class
}

var nopLogger = zap.NewNop()

type Opts struct {
	StaticExtensions []string
	APIPrefix        string
	APIPatterns      []string
	ExternalHosts    []string

	// ExprRules are evaluated after the method rule and before the fallback.
	ExprRules []ExprRuleConfig

	Logger *zap.Logger
}

// ExprRuleConfig is a govaluate expression over method, scheme, host, path
// and query. Config decoded.
type ExprRuleConfig struct {
	Name  string `yaml:"name"`
	Expr  string `yaml:"expr"`
	Class string `yaml:"class"`
}

var (
	DefaultStaticExtensions = []string{".html", ".css", ".js", ".json"}
	DefaultAPIPrefix        = "/api/"
	DefaultAPIPatterns      = []string{
		"/api/products",
		"/api/roles",
		"/api/charges",
		"/api/business-rules",
		"/api/transaction-types",
		"/api/dashboard/stats",
	}
	DefaultExternalHosts = []string{
		"cdnjs.cloudflare.com",
		"fonts.googleapis.com",
		"cdn.jsdelivr.net",
		"unpkg.com",
	}
)

func (opts *Opts) Init() {
	if opts.StaticExtensions == nil {
		opts.StaticExtensions = DefaultStaticExtensions
	}
	if opts.APIPrefix == "" {
		opts.APIPrefix = DefaultAPIPrefix
	}
	if opts.APIPatterns == nil {
		opts.APIPatterns = DefaultAPIPatterns
	}
	if opts.ExternalHosts == nil {
		opts.ExternalHosts = DefaultExternalHosts
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

type Classifier struct {
	rules []Rule
}

func NewClassifier(opts Opts) (*Classifier, error) {
	opts.Init()

	rules := []Rule{{Name: "method", Match: isNonGet, Class: NonCacheable}}
	for i, rc := range opts.ExprRules {
		r, err := newExprRule(rc, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("invalid classifier rule #%d, %w", i, err)
		}
		rules = append(rules, r)
	}
	rules = append(rules,
		Rule{Name: "static_file", Match: staticFile(opts.StaticExtensions), Class: Static},
		Rule{Name: "api_path", Match: apiPath(opts.APIPrefix, opts.APIPatterns), Class: API},
		Rule{Name: "external_host", Match: externalHost(opts.ExternalHosts), Class: External},
	)
	return &Classifier{rules: rules}, nil
}

// Rules returns the ordered table.
func (c *Classifier) Rules() []Rule {
	return c.rules
}

// Classify is pure and has no side effects.
func (c *Classifier) Classify(r *message.Request) Class {
	for _, rule := range c.rules {
		if rule.Match(r) {
			return rule.Class
		}
	}
	return Unclassified
}

func isNonGet(r *message.Request) bool {
	return r.Method != http.MethodGet
}

func staticFile(exts []string) func(*message.Request) bool {
	return func(r *message.Request) bool {
		p := r.URL.Path
		if p == "/" {
			return true
		}
		for _, ext := range exts {
			if strings.HasSuffix(p, ext) {
				return true
			}
		}
		return false
	}
}

func apiPath(prefix string, patterns []string) func(*message.Request) bool {
	return func(r *message.Request) bool {
		p := r.URL.Path
		if strings.HasPrefix(p, prefix) {
			return true
		}
		for _, pattern := range patterns {
			if strings.Contains(p, pattern) {
				return true
			}
		}
		return false
	}
}

func externalHost(hosts []string) func(*message.Request) bool {
	return func(r *message.Request) bool {
		h := strings.ToLower(r.URL.Hostname())
		if h == "" {
			return false
		}
		for _, host := range hosts {
			if strings.Contains(h, host) {
				return true
			}
		}
		return false
	}
}

func newExprRule(rc ExprRuleConfig, logger *zap.Logger) (Rule, error) {
	class, err := ParseClass(rc.Class)
	if err != nil {
		return Rule{}, err
	}
	expr, err := govaluate.NewEvaluableExpression(rc.Expr)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to parse expr %q, %w", rc.Expr, err)
	}
	name := rc.Name
	if name == "" {
		name = rc.Expr
	}
	return Rule{
		Name:  name,
		Class: class,
		Match: func(r *message.Request) bool {
			v, err := expr.Evaluate(map[string]interface{}{
				"method": r.Method,
				"scheme": r.URL.Scheme,
				"host":   r.URL.Hostname(),
				"path":   r.URL.Path,
				"query":  r.URL.RawQuery,
			})
			if err != nil {
				logger.Warn("classifier rule evaluation failed", zap.String("rule", name), zap.Error(err))
				return false
			}
			b, ok := v.(bool)
			return ok && b
		},
	}, nil
}

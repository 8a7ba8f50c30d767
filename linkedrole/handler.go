package linkedrole

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/mnehpets/linkedrole/endpoint"
	"github.com/mnehpets/linkedrole/middleware"
	"go.uber.org/zap"
)

// StateCookieName carries the sealed authorization state between
// /linked-role and the callback.
const StateCookieName = "clientState"

// stateTTL bounds how long a user may take to consent on Discord.
const stateTTL = 10 * time.Minute

//go:embed templates/*.html
var templateFS embed.FS

var (
	successPage = template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/success.html"))
	failurePage = template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/fails.html"))
)

type page struct {
	Title   string
	Message string
}

// HandlerConfig holds the HTTP-facing settings.
type HandlerConfig struct {
	// InviteURL is where GET / redirects.
	InviteURL string
	// CookieKey seals the state cookie; it must be
	// middleware.DefaultAEADKeysize bytes.
	CookieKey    []byte
	CookieSecure bool
}

// Handler serves the linked-role routes.
type Handler struct {
	mux          *http.ServeMux
	orchestrator *Orchestrator
	cookie       *middleware.SecureCookie[string]
	inviteURL    string
	logger       *zap.Logger

	processors []endpoint.Processor
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithProcessors adds processors to every route.
func WithProcessors(p ...endpoint.Processor) HandlerOption {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithHandlerLogger sets the logger. The default discards output.
func WithHandlerLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates the Handler and registers its routes:
//
//	GET /                       redirect to the community invite
//	GET /linked-role            start the flow
//	GET /discord-oauth-callback finish the flow
func NewHandler(o *Orchestrator, cfg HandlerConfig, opts ...HandlerOption) (*Handler, error) {
	h := &Handler{
		mux:          http.NewServeMux(),
		orchestrator: o,
		inviteURL:    cfg.InviteURL,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	cookie, err := middleware.NewSecureCookie[string](StateCookieName, "1", map[string][]byte{"1": cfg.CookieKey},
		middleware.WithSecure(cfg.CookieSecure),
		middleware.WithSameSite(http.SameSiteLaxMode),
	)
	if err != nil {
		return nil, fmt.Errorf("linkedrole: state cookie: %w", err)
	}
	h.cookie = cookie

	h.mux.HandleFunc("GET /{$}", endpoint.HandleFunc(h.root, h.processors...))
	h.mux.HandleFunc("GET /linked-role", endpoint.HandleFunc(h.linkedRole, h.processors...))
	h.mux.HandleFunc("GET /discord-oauth-callback", endpoint.HandleFunc(h.callback, h.processors...))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) root(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.RedirectRenderer{URL: h.inviteURL, Status: http.StatusFound}, nil
}

func (h *Handler) linkedRole(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	state, authURL := h.orchestrator.AuthorizationURL()
	ck, err := h.cookie.Encode(state, int(stateTTL.Seconds()))
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	http.SetCookie(w, ck)
	return &endpoint.RedirectRenderer{URL: authURL, Status: http.StatusFound}, nil
}

// callbackParams are unbounded so that every callback ends on a rendered
// page; the server's header limit still applies.
type callbackParams struct {
	Code         *string `query:"code" maxLength:"0"`
	State        *string `query:"state" maxLength:"0"`
	ClientState  string  `cookie:"clientState" maxLength:"0"`
	UserAgent    string  `header:"User-Agent" maxLength:"0"`
	ForwardedFor string  `header:"X-Forwarded-For" maxLength:"0"`
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, params callbackParams) (endpoint.Renderer, error) {
	req := CallbackRequest{
		Code:       params.Code,
		State:      params.State,
		UserAgent:  params.UserAgent,
		RemoteAddr: params.ForwardedFor,
	}
	if params.ClientState != "" {
		// The state is single use.
		http.SetCookie(w, h.cookie.Clear())
		state, err := h.cookie.Decode(params.ClientState)
		if err != nil {
			h.logger.Debug("state cookie rejected", zap.Error(err))
		} else {
			req.ClientState = state
		}
	}

	out := h.orchestrator.Callback(r.Context(), req)
	if out.OK() {
		return &endpoint.HTMLTemplateRenderer{Template: successPage, Name: "layout", Values: page{Title: "Success"}}, nil
	}
	return &endpoint.HTMLTemplateRenderer{Template: failurePage, Name: "layout", Values: page{Title: "Verification failed", Message: out.Message()}}, nil
}

package claude

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/claudeauth/internal/logging"
	log "github.com/sirupsen/logrus"
)

const callbackPath = "/callback"

var ginModeOnce sync.Once

// OAuthServer is the loopback receiver for the authorization redirect. It
// only captures the code and state; exchanging them is the manager's job.
type OAuthServer struct {
	server     *http.Server
	listener   net.Listener
	port       int
	resultChan chan *OAuthResult
	mu         sync.Mutex
	running    bool
	// PlatformURL is linked from the success page.
	PlatformURL string
}

// OAuthResult contains the result of the OAuth callback.
type OAuthResult struct {
	Code  string
	State string
	// Error contains the provider's error code when consent failed
	Error            string
	ErrorDescription string
}

// NewOAuthServer creates a receiver for port. Port 0 picks a free port on Start.
func NewOAuthServer(port int) *OAuthServer {
	return &OAuthServer{
		port:        port,
		resultChan:  make(chan *OAuthResult, 1),
		PlatformURL: "https://claude.ai",
	}
}

// Start binds 127.0.0.1:port and serves the callback endpoint. A bind failure
// yields ErrPortInUse.
func (s *OAuthServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return NewAuthenticationError(ErrPortInUse, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })
	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery(), logging.GinLogrusLogger())
	engine.GET(callbackPath, s.handleCallback)
	engine.GET("/success", s.handleSuccess)

	s.server = &http.Server{
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("oauth callback server stopped: %v", errServe)
		}
	}()
	log.Debugf("oauth callback server listening on %s", listener.Addr())
	return nil
}

// Port returns the bound port.
func (s *OAuthServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// RedirectURI is the redirect_uri to register in the authorization request.
func (s *OAuthServer) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d%s", s.Port(), callbackPath)
}

// Stop shuts the receiver down.
func (s *OAuthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}
	log.Debug("Stopping OAuth callback server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	return err
}

// WaitForCallback blocks until the browser hits the callback, ctx ends or
// timeout elapses.
func (s *OAuthServer) WaitForCallback(ctx context.Context, timeout time.Duration) (*OAuthResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-s.resultChan:
		return result, nil
	case <-ctx.Done():
		return nil, NewAuthenticationError(ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil, ErrCallbackTimeout
	}
}

func (s *OAuthServer) handleCallback(c *gin.Context) {
	log.Debug("Received OAuth callback")
	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	errParam := strings.TrimSpace(c.Query("error"))

	if errParam != "" {
		desc := c.Query("error_description")
		log.Errorf("OAuth error received: %s", errParam)
		s.sendResult(&OAuthResult{Error: errParam, ErrorDescription: desc})
		s.renderFailure(c, http.StatusBadRequest, fmt.Sprintf("%s %s", errParam, desc))
		return
	}
	if code == "" {
		s.sendResult(&OAuthResult{Error: "no_code"})
		s.renderFailure(c, http.StatusBadRequest, "No authorization code received")
		return
	}
	s.sendResult(&OAuthResult{Code: code, State: state})
	c.Redirect(http.StatusFound, "/success")
}

func (s *OAuthServer) handleSuccess(c *gin.Context) {
	page := strings.ReplaceAll(LoginSuccessHtml, "{{PLATFORM_URL}}", html.EscapeString(s.PlatformURL))
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

func (s *OAuthServer) renderFailure(c *gin.Context, status int, message string) {
	page := strings.ReplaceAll(LoginFailureHtml, "{{MESSAGE}}", html.EscapeString(strings.TrimSpace(message)))
	c.Data(status, "text/html; charset=utf-8", []byte(page))
}

func (s *OAuthServer) sendResult(result *OAuthResult) {
	select {
	case s.resultChan <- result:
		log.Debug("OAuth result sent to channel")
	default:
		log.Warn("OAuth result channel is full, result dropped")
	}
}

// IsRunning returns whether the server is currently running.
func (s *OAuthServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

package webui

import (
	"context"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	printmirror "github.com/mirrorlab/PrintMirror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AuthController is the slice of the auth state machine the web adapter
// drives. Each user intent maps 1:1 to a transition trigger.
type AuthController interface {
	State() printmirror.AuthState
	LastError() string
	Login(ctx context.Context)
	SubmitCode(ctx context.Context, code string)
	Logout()
}

// Server renders the cloud login page and forwards button presses into the
// auth state machine. One logical session at a time is assumed; concurrent
// requests are still safe because the machine serializes its transitions.
type Server struct {
	auth   AuthController
	addr   string
	engine *gin.Engine
}

// NewServer builds the web adapter listening on addr.
func NewServer(auth AuthController, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{auth: auth, addr: addr, engine: engine}
	engine.SetHTMLTemplate(pageTemplate)
	engine.GET("/", s.handleIndex)
	engine.POST("/login", s.handleLogin)
	engine.POST("/code", s.handleCode)
	engine.POST("/logout", s.handleLogout)
	engine.GET("/api/state", s.handleState)
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{Addr: s.addr, Handler: s.engine}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("webui: listening")
		errc <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		return errors.Wrap(err, "webui server")
	}
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// LoginURL returns the address a phone on the same network can reach,
// suitable for rendering as a scannable link on the display.
func (s *Server) LoginURL() string {
	host := outboundIP()
	if host == "" {
		host = "localhost"
	}
	port := s.addr
	if i := strings.LastIndex(port, ":"); i >= 0 {
		port = port[i+1:]
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}

// outboundIP finds the local address used for internet traffic. No packet
// is actually sent; the UDP "connection" only resolves routing.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Warn().Err(err).Msg("webui: resolving local address failed")
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

type pageView struct {
	Title     string
	Message   string
	ShowLogin bool
	ShowCode  bool
	ShowOut   bool
	Spinner   bool
}

// viewFor maps each auth state onto the page contents. The switch is
// exhaustive on purpose: adding a state without handling it here should be
// caught in review, not render an empty page.
func viewFor(state printmirror.AuthState, lastError string) pageView {
	switch state {
	case printmirror.StateUnknown:
		return pageView{Title: "Checking cloud session", Spinner: true}
	case printmirror.StateLoggedOut:
		return pageView{Title: "Logged out", Message: lastError, ShowLogin: true}
	case printmirror.StateCodeSent:
		return pageView{Title: "Enter the emailed verification code", Message: lastError, ShowCode: true}
	case printmirror.StateLoggingIn:
		return pageView{Title: "Logging in", Spinner: true}
	case printmirror.StateLoggedIn:
		return pageView{Title: "Logged in", ShowOut: true}
	case printmirror.StateBlocked:
		return pageView{Title: "Blocked by Cloudflare", Message: "Try again in a while", ShowLogin: true}
	default:
		return pageView{Title: "Unknown state"}
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "page", viewFor(s.auth.State(), s.auth.LastError()))
}

func (s *Server) handleLogin(c *gin.Context) {
	log.Info().Msg("webui: login requested")
	s.auth.Login(c.Request.Context())
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) handleCode(c *gin.Context) {
	code := strings.TrimSpace(c.PostForm("code"))
	if code == "" {
		c.HTML(http.StatusBadRequest, "page", pageView{Title: "Enter the emailed verification code", Message: "Code is required", ShowCode: true})
		return
	}
	log.Info().Msg("webui: verification code submitted")
	s.auth.SubmitCode(c.Request.Context(), code)
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) handleLogout(c *gin.Context) {
	log.Info().Msg("webui: logout requested")
	s.auth.Logout()
	c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) handleState(c *gin.Context) {
	state := s.auth.State()
	c.JSON(http.StatusOK, gin.H{
		"state":     state.String(),
		"connected": state == printmirror.StateLoggedIn,
		"error":     s.auth.LastError(),
	})
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<title>PrintMirror Cloud Login</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body { font-family: sans-serif; max-width: 28em; margin: 3em auto; text-align: center; }
button { font-size: 1.1em; padding: 0.5em 2em; margin: 0.5em; }
input { font-size: 1.2em; padding: 0.4em; width: 9em; text-align: center; }
.msg { color: #b00; }
</style>
</head>
<body>
<h2>{{.Title}}</h2>
{{if .Message}}<p class="msg">{{.Message}}</p>{{end}}
{{if .Spinner}}<p>&#8987;</p>{{end}}
{{if .ShowLogin}}<form method="post" action="/login"><button type="submit">Log In</button></form>{{end}}
{{if .ShowCode}}<form method="post" action="/code">
<input name="code" inputmode="numeric" autocomplete="one-time-code" placeholder="123456">
<button type="submit">OK</button>
</form>{{end}}
{{if .ShowOut}}<form method="post" action="/logout"><button type="submit">Log Out</button></form>{{end}}
</body>
</html>
`))

package runner

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"kalpana.dev/agent"
	"kalpana.dev/common"
)

// Config holds the runner's in-container settings.
type Config struct {
	// AgentID identifies the agent this container hosts.
	AgentID string

	// WorkspaceDir is the repository checkout root (default /workspace).
	WorkspaceDir string

	// BridgeURL is the VSCode bridge HTTP endpoint.
	BridgeURL string
}

// StreamRequest carries what the model client needs to open a stream.
type StreamRequest struct {
	APIKey  string
	Model   string
	Prompt  string
	History []agent.Message
}

// StreamFactory opens a model response stream for a prompt. The runner owns
// no model client itself; the factory is injected so the provider can be
// swapped.
type StreamFactory func(ctx context.Context, req StreamRequest) (agent.ModelStream, error)

// Server is the in-container agent HTTP server.
type Server struct {
	cfg     Config
	streams StreamFactory
	bridge  *BridgeClient
	log     *logrus.Entry

	mu          sync.Mutex
	pub         *agent.Publisher
	rdb         redis.UniversalClient
	initialized bool
}

// NewServer wires the runner.
func NewServer(cfg Config, rdb redis.UniversalClient, streams StreamFactory, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = common.Logger
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = "/workspace"
	}
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = "http://localhost:3001"
	}
	return &Server{
		cfg:     cfg,
		streams: streams,
		bridge:  NewBridgeClient(cfg.BridgeURL),
		rdb:     rdb,
		log:     common.ServiceLogger(logger, "runner"),
	}
}

// Register mounts the runner routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.POST("/agent/execute", s.handleExecute)
	e.POST("/agent/chat", s.handleChat)
	e.GET("/agent/status", s.handleStatus)
	e.POST("/command", s.handleCommand)
	e.POST("/vscode-command", s.handleVSCodeCommand)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"workspace": s.cfg.WorkspaceDir,
	})
}

type executeRequest struct {
	Task                string          `json:"task"`
	APIKey              string          `json:"apiKey"`
	Model               string          `json:"model,omitempty"`
	ConversationHistory []agent.Message `json:"conversationHistory,omitempty"`
}

type runState struct {
	ToolCallsCount   int `json:"toolCallsCount"`
	FilesEditedCount int `json:"filesEditedCount"`
}

type runResponse struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	State   runState `json:"state"`
}

func (s *Server) handleExecute(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	}
	if req.APIKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "apiKey is required")
	}

	pub := s.publisher()
	if len(req.ConversationHistory) > 0 {
		pub.SeedHistory(req.ConversationHistory)
	}

	return s.run(c, pub, req.Task, StreamRequest{
		APIKey:  req.APIKey,
		Model:   req.Model,
		Prompt:  req.Task,
		History: pub.History(),
	})
}

type chatRequest struct {
	Message string `json:"message"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	s.mu.Lock()
	pub, ok := s.pub, s.initialized
	s.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "agent not initialized, call /agent/execute first")
	}

	return s.run(c, pub, req.Message, StreamRequest{
		APIKey:  req.APIKey,
		Model:   req.Model,
		Prompt:  req.Message,
		History: pub.History(),
	})
}

// run drains one model stream through the publisher and reports the final
// state. Provider failures are part of the response, not an HTTP error; the
// run itself completed.
func (s *Server) run(c echo.Context, pub *agent.Publisher, prompt string, streamReq StreamRequest) error {
	ctx := c.Request().Context()

	stream, err := s.streams(ctx, streamReq)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, agent.TranslateProviderError(err))
	}

	runErr := pub.Execute(ctx, prompt, stream)

	calls, files := pub.State()
	resp := runResponse{
		Success: runErr == nil,
		State:   runState{ToolCallsCount: calls, FilesEditedCount: files},
	}
	if runErr != nil {
		resp.Error = agent.TranslateProviderError(runErr)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	s.mu.Lock()
	pub, initialized := s.pub, s.initialized
	s.mu.Unlock()

	status := map[string]interface{}{
		"initialized": initialized,
		"state":       runState{},
	}
	if pub != nil {
		calls, files := pub.State()
		status["state"] = runState{ToolCallsCount: calls, FilesEditedCount: files}
		status["inFlight"] = pub.InFlight()
		status["messages"] = pub.History()
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleCommand(c echo.Context) error {
	return s.forward(c, "/command")
}

func (s *Server) handleVSCodeCommand(c echo.Context) error {
	return s.forward(c, "/vscode-command")
}

// forward validates a bridge envelope and relays it, returning the bridge's
// reply verbatim.
func (s *Server) forward(c echo.Context, path string) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	req, err := decodeBridgeRequest(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validateBridgeRequest(s.cfg.WorkspaceDir, req); err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"id":      req.ID,
			"success": false,
			"error":   err.Error(),
		})
	}

	reply, err := s.bridge.Forward(c.Request().Context(), path, body)
	if err != nil {
		s.log.WithError(err).WithField("type", req.Type).Warn("bridge forward failed")
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSONBlob(http.StatusOK, reply)
}

// publisher lazily creates the agent publisher on first use.
func (s *Server) publisher() *agent.Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub == nil {
		s.pub = agent.NewPublisher(s.cfg.AgentID, s.rdb, nil)
		s.initialized = true
	}
	return s.pub
}

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kaelstrand/qx/internal/approval"
	"github.com/kaelstrand/qx/internal/config"
	"github.com/kaelstrand/qx/internal/delta"
	"github.com/kaelstrand/qx/internal/dispatcher"
	"github.com/kaelstrand/qx/internal/llm"
	"github.com/kaelstrand/qx/internal/lsp"
	"github.com/kaelstrand/qx/internal/mcp"
	"github.com/kaelstrand/qx/internal/mcptools"
	"github.com/kaelstrand/qx/internal/message"
	"github.com/kaelstrand/qx/internal/provider"
	"github.com/kaelstrand/qx/internal/registry"
	"github.com/kaelstrand/qx/internal/runloop"
	"github.com/kaelstrand/qx/internal/shell"
	"github.com/kaelstrand/qx/internal/store"
	"github.com/kaelstrand/qx/internal/treesitter"
)

// main is a thin line-oriented driver: it reads a line from stdin as a user
// turn, drives it through the Agent Run Loop, and prints the streamed
// assistant reply to stdout. CLI chrome (prompt editing, theming, hotkeys)
// is out of scope for this core; see DESIGN.md.
func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	providerRegistry := buildProviderRegistry(cfg)
	providerName, providerCfg := resolveProvider(cfg, providerRegistry)
	if cfg.Agent.ModelName != "" {
		providerCfg.Model = cfg.Agent.ModelName
	}

	prov, err := providerRegistry.Create(providerName, providerCfg.Model, provider.Options{
		Temperature: providerCfg.Temperature,
	})
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		os.Exit(1)
	}
	defer prov.Close()

	gate := approval.New(&stdioPrompter{in: bufio.NewReader(os.Stdin)}, func(msg string) {
		fmt.Println(msg)
	})

	svc := setupServices(cfg, creds, gate)
	defer svc.lspManager.StopAll(context.Background())
	if svc.webCache != nil {
		defer svc.webCache.Close()
	}

	if *flagList {
		listSessions(svc.webCache)
		return
	}

	subAgentHandler := mcptools.NewSubAgentHandler(
		prov,
		svc.lspManager,
		svc.deltaTracker,
		svc.shell,
		svc.webCache,
		svc.exaKey,
		svc.toolDefs,
		gate,
	)
	svc.reg.Register(mcptools.NewSubAgentTool(), subAgentHandler.Handle)

	sessionID, resumeHistory := resolveSession(*flagSession, *flagContinue, svc.webCache)
	if svc.deltaTracker != nil {
		svc.deltaTracker.SetSession(sessionID)
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Printf("Warning: failed to get working directory: %v\n", err)
		cwd = "."
	}
	tsIndex := treesitter.NewIndex(cwd)
	if err := tsIndex.Build(); err != nil {
		log.Warn().Err(err).Msg("tree-sitter index build failed")
	}
	svc.readHandler.SetTSIndex(tsIndex)
	svc.editHandler.SetTSIndex(tsIndex)

	msgStore := message.New()
	for _, m := range resumeHistory {
		msgStore.Append(m)
	}

	disp := dispatcher.New(svc.reg)
	systemPrompt := buildSystemPrompt(providerCfg.Model, tsIndex, cfg.Agent)

	runOpts := runloop.Options{
		Provider:       prov,
		Registry:       svc.reg,
		Dispatcher:     disp,
		Store:          msgStore,
		SystemPrompt:   systemPrompt,
		Scratchpad:     svc.scratchpad,
		ShowThinking:   cfg.Agent.ShowThinking,
		OnRender:       func(text string) { fmt.Print(text) },
		OnReasoning:    func(text string) { fmt.Print(text) },
		OnToolCall:     func(calls []provider.ToolCall) { reportToolCalls(calls) },
		OnUsage:        func(in, out int) { log.Debug().Int("input_tokens", in).Int("output_tokens", out).Msg("usage") },
		RequestTimeout: cfg.Agent.RequestTimeout,
		NumRetries:     cfg.Agent.NumRetries,
	}

	runREPL(context.Background(), runOpts, svc.webCache, sessionID)
}

// runREPL reads one line at a time from stdin as a user turn, driving each
// through the Agent Run Loop, until EOF or an "exit"/"quit" line.
func runREPL(ctx context.Context, opts runloop.Options, db *store.Cache, sessionID string) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	fmt.Println("qx ready. Type a message and press Enter (Ctrl-D to exit).")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if db != nil {
			db.SaveMessage(sessionID, store.SessionMessage{Role: "user", Content: line, CreatedAt: time.Now()})
		}

		// Run only auto-appends userInput as a fresh user message when the
		// store is empty (a brand-new conversation); every later turn in
		// this REPL reuses the same store, so append it here instead.
		if opts.Store.Len() > 0 {
			opts.Store.Append(provider.Message{Role: "user", Content: line, CreatedAt: time.Now()})
		}

		res, err := runloop.Run(ctx, opts, line, 0)
		fmt.Println()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		if db != nil {
			db.SaveMessage(sessionID, store.SessionMessage{Role: "assistant", Content: res.Output, CreatedAt: time.Now()})
		}
	}
}

func reportToolCalls(calls []provider.ToolCall) {
	for _, c := range calls {
		fmt.Printf("\n[tool: %s]\n", c.Name)
	}
}

// stdioPrompter implements approval.Prompter over stdin/stdout for the
// non-interactive-UI driver: it prints the header/preview and reads a
// single y/n/a/c keystroke-equivalent line.
type stdioPrompter struct {
	in *bufio.Reader
}

func (p *stdioPrompter) Ask(header, preview string) (string, error) {
	fmt.Println()
	fmt.Println(header)
	if preview != "" {
		fmt.Println(preview)
	}
	fmt.Print("[y/n/a/c] ")
	line, err := p.in.ReadString('\n')
	if err != nil {
		return "c", nil
	}
	key := strings.ToLower(strings.TrimSpace(line))
	switch {
	case strings.HasPrefix(key, "y"):
		return "y", nil
	case strings.HasPrefix(key, "n"):
		return "n", nil
	case strings.HasPrefix(key, "a"):
		return "a", nil
	default:
		return "c", nil
	}
}

func buildProviderRegistry(cfg *config.Config) *provider.Registry {
	reg := provider.NewRegistry()
	for name, providerCfg := range cfg.Providers {
		reg.RegisterFactory(name, provider.NewOllamaFactory(name, providerCfg.Endpoint))
	}
	return reg
}

func resolveProvider(cfg *config.Config, reg *provider.Registry) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		providers := reg.List()
		if len(providers) == 0 {
			fmt.Println("Error: No providers configured")
			os.Exit(1)
		}
		name = providers[0]
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		fmt.Printf("Error: Provider %q not found\n", name)
		os.Exit(1)
	}
	return name, pcfg
}

type services struct {
	reg          *registry.Registry
	toolDefs     []mcp.Tool
	lspManager   *lsp.Manager
	webCache     *store.Cache
	readHandler  *mcptools.ReadHandler
	editHandler  *mcptools.EditHandler
	fileTracker  *mcptools.FileReadTracker
	deltaTracker *delta.Tracker
	scratchpad   *mcptools.Scratchpad
	shell        *shell.Shell
	exaKey       string
}

func setupServices(cfg *config.Config, creds *config.Credentials, gate *approval.Gate) services {
	reg := registry.New()
	lspManager := lsp.NewManager()
	fileTracker := mcptools.NewFileReadTracker()

	readHandler := mcptools.NewReadHandler(fileTracker, lspManager)
	reg.Register(mcptools.NewReadTool(), readHandler.Handle)

	reg.Register(mcptools.NewGrepTool(), mcptools.MakeGrepHandler())
	reg.Register(mcptools.NewGitStatusTool(), mcptools.MakeGitStatusHandler())
	reg.Register(mcptools.NewGitDiffTool(), mcptools.MakeGitDiffHandler())

	webCache := openWebCache(cfg)

	var dt *delta.Tracker
	if webCache != nil {
		dt = delta.New(webCache.DB())
	}

	editHandler := mcptools.NewEditHandler(fileTracker, lspManager, dt, gate)
	reg.Register(mcptools.NewEditTool(), editHandler.Handle)

	reg.Register(mcptools.NewWebFetchTool(), mcptools.MakeWebFetchHandler(webCache))

	exaKey := creds.GetAPIKey("exa_ai")
	reg.Register(mcptools.NewWebSearchTool(), mcptools.MakeWebSearchHandler(webCache, exaKey, ""))

	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := mcptools.NewShellHandler(sh, dt, gate)
	reg.Register(mcptools.NewShellTool(), shellHandler.Handle)

	pad := &mcptools.Scratchpad{}
	reg.Register(mcptools.NewTodoWriteTool(), mcptools.MakeTodoWriteHandler(pad))

	toolDefs := []mcp.Tool{
		mcptools.NewReadTool(), mcptools.NewGrepTool(), mcptools.NewGitStatusTool(),
		mcptools.NewGitDiffTool(), mcptools.NewEditTool(), mcptools.NewWebFetchTool(),
		mcptools.NewWebSearchTool(), mcptools.NewShellTool(), mcptools.NewTodoWriteTool(),
	}

	return services{
		reg:          reg,
		toolDefs:     toolDefs,
		lspManager:   lspManager,
		webCache:     webCache,
		readHandler:  readHandler,
		editHandler:  editHandler,
		fileTracker:  fileTracker,
		deltaTracker: dt,
		scratchpad:   pad,
		shell:        sh,
		exaKey:       exaKey,
	}
}

func buildSystemPrompt(modelID string, idx *treesitter.Index, agent config.AgentConfig) string {
	base := llm.BuildSystemPrompt(modelID, idx)
	var extra []string
	if agent.UserContext != "" {
		extra = append(extra, "User context:\n"+agent.UserContext)
	}
	if agent.ProjectContext != "" {
		extra = append(extra, "Project context:\n"+agent.ProjectContext)
	}
	if len(extra) == 0 {
		return base
	}
	return strings.Join(append([]string{base}, extra...), "\n\n---\n\n")
}

func openWebCache(cfg *config.Config) *store.Cache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: cache dir failed: %v\n", err)
		return nil
	}
	cacheTTL := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := store.Open(filepath.Join(cacheDir, "cache.db"), cacheTTL)
	if err != nil {
		fmt.Printf("Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for session id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "qx.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}

func listSessions(db *store.Cache) {
	if db == nil {
		fmt.Println("No cache available")
		return
	}
	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range sessions {
		ts := s.Timestamp.Format("2006-01-02 15:04")
		preview := s.Preview
		preview = strings.ReplaceAll(preview, "\n", " ")
		if len(preview) > 50 {
			preview = preview[:50]
		}
		fmt.Printf("%s  %s  %s\n", s.ID, ts, preview)
	}
}

func storedToMessages(msgs []store.SessionMessage) []provider.Message {
	return store.ToProviderMessages(msgs)
}

func resolveSession(flagSession string, flagContinue bool, db *store.Cache) (string, []provider.Message) {
	switch {
	case flagSession != "":
		if db != nil {
			ok, err := db.SessionExists(flagSession)
			if err != nil || !ok {
				fmt.Printf("Session %q not found\n", flagSession)
				os.Exit(1)
			}
		}
		msgs := loadHistory(flagSession, db)
		return flagSession, msgs

	case flagContinue:
		if db == nil {
			fmt.Println("No cache available")
			os.Exit(1)
		}
		id, err := db.LatestSessionID()
		if err != nil {
			fmt.Printf("No sessions to continue: %v\n", err)
			os.Exit(1)
		}
		msgs := loadHistory(id, db)
		return id, msgs

	default:
		sid := newSessionID()
		if db != nil {
			if err := db.CreateSession(sid); err != nil {
				fmt.Printf("Warning: failed to create session: %v\n", err)
			}
		}
		return sid, nil
	}
}

func loadHistory(sessionID string, db *store.Cache) []provider.Message {
	if db == nil {
		return nil
	}
	stored, err := db.LoadMessages(sessionID)
	if err != nil {
		fmt.Printf("Warning: failed to load session history: %v\n", err)
		return nil
	}
	return storedToMessages(stored)
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"wizardchat/internal/chat"
	"wizardchat/internal/config"
	"wizardchat/internal/llm"
	"wizardchat/internal/ritual"
	"wizardchat/internal/vibe"
	"wizardchat/pkg/logging"
)

func init() {
	chatCmd.Flags().StringP("mode", "m", string(llm.ModeStandard), "Response mode (brief, standard, detailed, epic)")
	chatCmd.Flags().IntP("tokens", "t", 0, "Token budget (0 uses the mode default)")
	chatCmd.Flags().StringP("session", "s", "terminal", "Conversation id")
	chatCmd.Flags().BoolP("verbose", "v", false, "Log at debug level")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the wizard from the terminal",
	Example: `
# Start a conversation in epic mode
wizardchat chat -m epic

# Inside the prompt
/mode brief      switch response mode
/tokens 600      set the token budget (0 = mode default)
/quit            leave
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		tokens, _ := cmd.Flags().GetInt("tokens")
		session, _ := cmd.Flags().GetString("session")
		verbose, _ := cmd.Flags().GetBool("verbose")

		level := "warn"
		if verbose {
			level = "debug"
		}
		logger := logging.NewLoggerWith(logging.Options{Env: "dev", Level: level})
		defer func() { _ = logger.Sync() }()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		r := &repl{
			conv:   a.svc.Conversation(session),
			mode:   mode,
			tokens: tokens,
			out:    cmd.OutOrStdout(),
		}
		return r.run(logging.WithLogger(ctx, logger), cmd.InOrStdin())
	},
}

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#a67cf2")).Bold(true)
	phaseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#55607a")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e5534b")).Bold(true)
	hintStyle   = lipgloss.NewStyle().Faint(true)
)

type repl struct {
	conv   *chat.Conversation
	mode   string
	tokens int

	mu  sync.Mutex
	out io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	r.printf("%s\n", hintStyle.Render("Speak, seeker. /mode, /tokens and /quit are understood."))

	scanner := bufio.NewScanner(in)
	for {
		r.printf("%s ", promptStyle.Render("you ›"))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(line); quit {
				return nil
			}
			continue
		}

		r.conv.Send(ctx, chat.Request{Message: line, Mode: r.mode, TokenBudget: r.tokens}, r)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) command(line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/mode":
		if len(fields) < 2 {
			r.printf("%s\n", hintStyle.Render("mode is "+r.mode))
			return false
		}
		m, ok := llm.ParseMode(fields[1])
		if !ok {
			r.printf("%s\n", errorStyle.Render("unknown mode "+fields[1]))
			return false
		}
		r.mode = string(m)
		r.printf("%s\n", hintStyle.Render(fmt.Sprintf("mode set to %s (%d tokens)", m, llm.ProfileFor(m).DefaultTokens)))
	case "/tokens":
		if len(fields) < 2 {
			r.printf("%s\n", hintStyle.Render("tokens is "+strconv.Itoa(r.tokens)))
			return false
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			r.printf("%s\n", errorStyle.Render("tokens must be a non-negative number"))
			return false
		}
		r.tokens = n
	default:
		r.printf("%s\n", errorStyle.Render("unknown command "+fields[0]))
	}
	return false
}

// Phase prints ritual progress while a long reply is pending.
func (r *repl) Phase(ev ritual.Event) {
	r.printf("%s\n", phaseStyle.Render(fmt.Sprintf("  ⟡ %s: %s", ev.Phase.Label, ev.Phase.Description)))
}

// Deliver prints the reply in the colours of its vibe.
func (r *repl) Deliver(out chat.Outcome) {
	if !out.OK() {
		r.printf("%s\n", errorStyle.Render("wizard › "+out.Failure.Message))
		return
	}
	r.printf("%s %s\n", themeStyle(out.Theme).Render("wizard "+out.Theme.Symbol+" ›"), out.Reply)
	if out.Cached {
		r.printf("%s\n", hintStyle.Render("  (remembered)"))
	}
}

func themeStyle(t vibe.Theme) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(t.Color)).Bold(true)
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/memtrace/internal/prompt"
	"github.com/aixgo-dev/memtrace/pkg/conversation"
)

var (
	chatPrompt  string
	chatHistory string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the model in the terminal",
	Long: `Start an interactive conversation. Commands:
  /memory  show the memory directory
  /clear   reset the conversation and erase all memories
  /reset   start a new session
  /tokens  show token usage
  /quit    finalize the session and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runChat(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatPrompt, "prompt", "", "system prompt name from the prompt library")
	chatCmd.Flags().StringVar(&chatHistory, "history", filepath.Join(os.TempDir(), ".memtrace_history"), "line history file")
}

var chatCommands = []string{"/memory", "/clear", "/reset", "/tokens", "/quit", "/exit"}

func runChat(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() { _ = store.Close() }()

	tool, err := openMemory(cfg, logger)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}

	var system string
	if name := firstNonEmpty(chatPrompt, cfg.Prompts.Default); name != "" {
		system, err = prompt.NewLibrary(cfg.Prompts.Dir).Get(name, time.Now())
		if err != nil {
			return err
		}
	}

	model, err := newModel(cfg, logger, cfg.Provider, "")
	if err != nil {
		return err
	}

	opts := []conversation.Option{conversation.WithLogger(logger)}
	if j := journalOf(store); j != nil {
		opts = append(opts, conversation.WithJournal(j))
	}
	conv, err := conversation.New(conversation.Config{
		Model:        cfg.Model,
		SystemPrompt: system,
		MaxTokens:    cfg.MaxTokens,
	}, model, tool, store, opts...)
	if err != nil {
		return err
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(s string) []string {
		var c []string
		for _, cmd := range chatCommands {
			if strings.HasPrefix(cmd, s) {
				c = append(c, cmd)
			}
		}
		return c
	})
	if f, err := os.Open(chatHistory); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Fprintf(out, "memtrace %s | %s via %s | session %s\n", Version, cfg.Model, cfg.Provider, conv.SessionID())
	fmt.Fprintln(out, "Type /quit to exit.")

loop:
	for {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case "/quit", "/exit":
			break loop
		case "/memory":
			view, err := conv.ViewMemory(ctx)
			printResult(out, view, err)
		case "/clear":
			msg, err := conv.ClearMemories(ctx)
			printResult(out, msg, err)
		case "/reset":
			err := conv.Reset(ctx)
			printResult(out, "New session "+conv.SessionID(), err)
		case "/tokens":
			printTokens(out, conv.Tokens())
		default:
			if strings.HasPrefix(input, "/") {
				fmt.Fprintf(out, "unknown command %s (try %s)\n", input, strings.Join(chatCommands[:5], ", "))
				continue
			}
			runTurn(ctx, out, conv, input)
		}
	}

	if f, err := os.Create(chatHistory); err == nil {
		_, _ = line.WriteHistory(f)
		_ = f.Close()
	}

	loc, err := conv.Finalize(context.Background())
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	fmt.Fprintf(out, "Session trace saved to: %s\n", loc)
	return nil
}

func runTurn(ctx context.Context, out io.Writer, conv *conversation.Orchestrator, input string) {
	fmt.Fprint(out, "assistant> ")
	for ev := range conv.Send(ctx, input) {
		switch ev.Type {
		case conversation.TurnText:
			fmt.Fprint(out, ev.Text())
		case conversation.TurnToolUseStart:
			if d, ok := ev.Data.(conversation.ToolUseData); ok {
				fmt.Fprintf(out, "\n  [%s]\n", d.Tool)
			}
		case conversation.TurnDone:
			fmt.Fprintln(out)
			if d, ok := ev.Data.(conversation.DoneData); ok {
				fmt.Fprintf(out, "  (tokens in %d, out %d)\n", d.Tokens.LastInput, d.Tokens.LastOutput)
			}
		case conversation.TurnError:
			fmt.Fprintln(out)
			if d, ok := ev.Data.(conversation.ErrorData); ok {
				fmt.Fprintf(out, "  error: %s\n", d.Message)
			}
		}
	}
}

func printResult(out io.Writer, msg string, err error) {
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(out, msg)
}

func printTokens(out io.Writer, t conversation.TokenStats) {
	fmt.Fprintf(out, "last turn:  input %d, output %d, cache read %d, cache write %d\n",
		t.LastInput, t.LastOutput, t.LastCacheRead, t.LastCacheWrite)
	fmt.Fprintf(out, "session:    input %d, output %d, cache read %d, cache write %d\n",
		t.TotalInput, t.TotalOutput, t.TotalCacheRead, t.TotalCacheWrite)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

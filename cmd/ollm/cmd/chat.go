package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	ctxmgr "github.com/Tecet/ollm-cli/internal/context"
	"github.com/Tecet/ollm-cli/internal/events"
	"github.com/Tecet/ollm-cli/internal/llm"
	"github.com/Tecet/ollm-cli/internal/session"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close(ctx)

	// Ctrl-C mid-stream should still persist the session row.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down")
		svc.close(context.Background())
		cleanupLogging()
		os.Exit(0)
	}()

	noticeCtx, stopNotices := context.WithCancel(ctx)
	defer stopNotices()
	go printNotices(noticeCtx, svc.events)

	report := svc.session.Usage()
	fmt.Printf("%s ready, ceiling %d tokens. /help lists commands.\n", cfg.Model.Name, report.Usage.Max)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runSlashCommand(ctx, svc, line); quit {
				return nil
			}
			continue
		}
		if err := sendTurn(ctx, svc.session, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

// sendTurn runs one user turn: append, gate, dispatch, print the
// streamed reply.
func sendTurn(ctx context.Context, sess *session.Session, line string) error {
	if _, err := sess.AddMessage(ctx, ctxmgr.RoleUser, line); err != nil {
		if errors.Is(err, ctxmgr.ErrBusyTimeout) {
			fmt.Println("(context is being compressed; message queued and will join the next turn)")
			return nil
		}
		return err
	}

	_, err := sess.DispatchStream(ctx, func(chunk llm.StreamChunk) {
		fmt.Print(chunk.Content)
	})
	if err != nil {
		if errors.Is(err, ctxmgr.ErrCeilingExceeded) {
			fmt.Println("(context is full even after compression; /clear or restore an earlier snapshot)")
			return nil
		}
		return err
	}
	fmt.Println()
	return nil
}

func runSlashCommand(ctx context.Context, svc *services, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Print(`/usage              show token usage and level
/compress [strategy] compress now (truncate, summarize, hybrid)
/snapshot           capture the current context
/snapshots          list snapshots of this session
/restore <id>       restore a snapshot
/clear              reset to the system prompt
/quit               exit
`)

	case "/usage":
		printReport(svc.session.Usage())

	case "/compress":
		var strategy ctxmgr.Strategy
		if len(fields) > 1 {
			s, err := ctxmgr.ParseStrategy(fields[1])
			if err != nil {
				fmt.Printf("error: %v\n", err)
				return false
			}
			strategy = s
		}
		decision, err := svc.session.Compress(ctx, strategy)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		printDecision(decision)

	case "/snapshot":
		snap, err := svc.session.CreateSnapshot(ctx)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Printf("snapshot %s saved (%d tokens)\n", snap.ID, snap.TokenCount)

	case "/snapshots":
		metas, err := svc.session.ListSnapshots(ctx)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		if len(metas) == 0 {
			fmt.Println("no snapshots yet")
			return false
		}
		for _, meta := range metas {
			fmt.Printf("%s  %s  %6d tokens  %s\n",
				meta.ID, meta.CreatedAt.Format("2006-01-02 15:04:05"), meta.TokenCount, meta.Summary)
		}

	case "/restore":
		if len(fields) < 2 {
			fmt.Println("usage: /restore <snapshot-id>")
			return false
		}
		if err := svc.session.RestoreSnapshot(ctx, fields[1]); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		printReport(svc.session.Usage())

	case "/clear":
		if err := svc.session.Clear(ctx); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println("context cleared")

	default:
		fmt.Println("unknown command; /help lists commands")
	}
	return false
}

func printReport(r session.Report) {
	fmt.Printf("session %s\n", r.SessionID)
	fmt.Printf("  usage       %d / %d tokens (%.1f%%), level %s\n",
		r.Usage.Current, r.Usage.Max, r.Usage.Percentage*100, r.Level)
	fmt.Printf("  messages    %d, checkpoints %d\n", r.Messages, r.Checkpoints)
	fmt.Printf("  safe limit  %d tokens\n", r.SafeLimit)
	if r.Pending > 0 {
		fmt.Printf("  pending     %d queued\n", r.Pending)
	}
}

func printDecision(d ctxmgr.Decision) {
	if d.Compressed && d.Result != nil {
		fmt.Printf("compressed %d to %d tokens (%s, dropped %d, summarized %d)\n",
			d.Result.OriginalTokens, d.Result.CompressedTokens, d.Result.Strategy,
			d.Result.Dropped, d.Result.Summarized)
	} else {
		fmt.Println("nothing to compress")
	}
	for _, warning := range d.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
}

// printNotices surfaces background pressure events between prompts.
func printNotices(ctx context.Context, ev *events.Manager) {
	memory := ev.SubscribeMemory(ctx)
	compressions := ev.SubscribeCompression(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-memory:
			if !ok {
				return
			}
			if e.Payload.Message != "" {
				fmt.Printf("\n(%s: %s)\n", e.Type, e.Payload.Message)
			}
		case e, ok := <-compressions:
			if !ok {
				return
			}
			if e.Type == events.CompressionCompleted {
				fmt.Printf("\n(context compressed %d to %d tokens, %s)\n",
					e.Payload.OriginalTokens, e.Payload.CompressedTokens, e.Payload.Strategy)
			}
		}
	}
}

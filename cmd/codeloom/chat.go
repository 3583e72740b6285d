package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/codeloom-ai/codeloom/pkg/agent"
	"github.com/codeloom-ai/codeloom/pkg/session"
	"github.com/codeloom-ai/codeloom/pkg/tokens"
)

// ChatCmd is the interactive REPL. It speaks to the runtime directly,
// without the RPC layer, and streams responses to the terminal.
type ChatCmd struct {
	Session  string `help:"Session id to resume."`
	Codebase string `help:"Codebase path to bind for retrieval." type:"path"`
	NoRAG    bool   `name:"no-rag" help:"Disable retrieval for this chat."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, cleanup, err := cli.loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	sess, err := c.resolveSession(ctx, rt)
	if err != nil {
		return err
	}
	if rt.router != nil && sess.CodebasePath != "" {
		if err := rt.router.Switch(sess.CodebasePath); err != nil {
			fmt.Fprintf(os.Stderr, "warning: index unavailable for %s: %v\n", sess.CodebasePath, err)
		}
	}
	rt.startWatcher(ctx)

	ledger := tokens.NewLedger(rt.store.DB(), cfg.TokenBudget)
	a := agent.New(cfg, agent.Options{
		Provider:  rt.provider,
		Ledger:    ledger,
		Retriever: rt.retriever,
		Tools:     rt.toolRunner(),
		Log:       session.NewConversationLog(rt.store, sess.ID),
		SessionID: sess.ID,
	})

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Printf("codeloom %s - session %s (%s)\n", version, sess.ID, sess.Name)
		fmt.Println("Type 'quit' or 'exit' to stop.")
		fmt.Println()
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		if interactive {
			fmt.Print("\033[32muser:\033[0m ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if interactive {
				fmt.Println("\nGoodbye!")
			}
			return nil
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "quit" || input == "exit" || input == "q" {
			if interactive {
				fmt.Println("Goodbye!")
			}
			return nil
		}

		if interactive {
			fmt.Print("\033[34massistant:\033[0m ")
		}
		result, err := a.Send(ctx, agent.TurnRequest{
			Message: input,
			UseRAG:  !c.NoRAG,
			Stream:  interactive,
		}, func(_ string, params map[string]interface{}) {
			if chunk, ok := params["chunk"].(string); ok {
				fmt.Print(chunk)
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
			continue
		}

		if interactive {
			fmt.Println()
		} else {
			fmt.Println(result.Response)
		}
		fmt.Println()
	}
}

// resolveSession loads the requested session or starts a fresh one.
func (c *ChatCmd) resolveSession(ctx context.Context, rt *runtimeComponents) (*session.Session, error) {
	if c.Session != "" {
		return rt.store.LoadSession(ctx, c.Session)
	}
	return rt.store.CreateSession(ctx, "", c.Codebase)
}

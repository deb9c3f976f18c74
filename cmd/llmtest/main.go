// Command llmtest sends one prompt through the configured backends and
// reports which one answered, for checking a backends.toml by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wolfman30/comchat-platform/cmd/mainconfig"
	"github.com/wolfman30/comchat-platform/internal/app/bootstrap"
	"github.com/wolfman30/comchat-platform/internal/backend"
	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	"github.com/wolfman30/comchat-platform/internal/routing"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	prompt := flag.String("prompt", "Hi! What can you help me with?", "user message to send")
	policy := flag.String("policy", string(routing.DefaultPolicy), "routing policy")
	each := flag.Bool("each", false, "call every backend directly instead of routing")
	flag.Parse()

	cfg := appconfig.Load()
	ctx := context.Background()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}
	logger := logging.NewWithWriter("warn", "text", os.Stderr)
	b, err := bootstrap.BuildBackends(ctx, cfg, awsCfg, prometheus.NewRegistry(), logger)
	if err != nil {
		log.Fatalf("backends: %v", err)
	}

	input := backend.Turn{Role: backend.RoleUser, Text: *prompt}
	system := []string{cfg.BaseSystemPrompt}

	if *each {
		for _, c := range b.Registry.Clients() {
			res, err := c.Generate(ctx, backend.GenerateRequest{
				System:    system,
				Input:     input,
				MaxTokens: int32(cfg.ModelMaxTokens),
			})
			if err != nil {
				fmt.Printf("%-16s FAIL %v\n", c.Name(), err)
				continue
			}
			fmt.Printf("%-16s ok   %6s  %s\n", c.Name(), res.Latency.Round(time.Millisecond), res.Text)
		}
		return
	}

	p, err := routing.ParsePolicy(*policy)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}
	routeCtx, cancel := context.WithTimeout(ctx, b.Router.Budget(p, backend.ModalityText)+5*time.Second)
	defer cancel()
	res, err := b.Router.Route(routeCtx, routing.Request{
		Tenant:      "llmtest",
		Policy:      p,
		System:      system,
		Input:       input,
		MaxTokens:   int32(cfg.ModelMaxTokens),
		Temperature: float32(cfg.ModelTemperature),
	})
	if err != nil {
		log.Fatalf("route: %v", err)
	}
	for _, a := range res.Attempts {
		fmt.Printf("skipped %-16s %s: %v\n", a.Backend, a.Kind, a.Err)
	}
	fmt.Printf("answered by %s in %s (%d tokens)\n%s\n",
		res.Backend, res.Latency.Round(time.Millisecond), res.Usage.TotalTokens, res.Text)
}

// sperecond is the env-driven serving daemon: it loads the TOML config
// (SPERECON_CONFIG or the default search path) and serves the ops API on
// SPERECON_HTTP_ADDR, for container deployments that pass no flags.
package main

import (
	"log"
	"os"

	"github.com/Allen15763/spe-bank-recon/config"
	"github.com/Allen15763/spe-bank-recon/internal/server"
)

func main() {
	cfg := config.MustLoad(os.Getenv("SPERECON_CONFIG"))

	addr := os.Getenv("SPERECON_HTTP_ADDR")
	if err := server.Run(cfg, addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

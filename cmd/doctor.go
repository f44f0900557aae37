package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlane/internal/config"
	"github.com/nextlevelbuilder/clawlane/internal/gateway"
	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/store/pg"
	"github.com/nextlevelbuilder/clawlane/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawlane doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	if len(cfg.Providers) == 0 {
		fmt.Println("    (none configured)")
	}
	for _, name := range cfg.Providers.Names() {
		pc := cfg.Providers[name]
		creds := pc.Credentials()
		if len(creds) == 0 {
			fmt.Printf("    %-12s (no API key)\n", name+":")
			continue
		}
		fmt.Printf("    %-12s %s (%d key(s))\n", name+":", maskKey(creds[0]), len(creds))
	}
	if _, err := providers.RegistryFromConfig(cfg.Providers); err != nil {
		fmt.Printf("    ERROR: %s\n", err)
	}

	fmt.Println()
	fmt.Println("  Agents:")
	def := cfg.ResolveDefaultAgentID()
	ids := []string{def}
	for id := range cfg.Agents.List {
		if id != def {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids[1:])
	for _, id := range ids {
		a := cfg.ResolveAgent(id)
		label := id
		if id == def && !cfg.Agents.DisableDefault {
			label += " (default)"
		}
		fmt.Printf("    %-20s %s/%s\n", label+":", a.Provider, a.Model)
		if _, ok := cfg.Providers[a.Provider]; !ok {
			fmt.Printf("    %-20s provider %q is not configured\n", "", a.Provider)
		}
	}
	fmt.Printf("    %-20s %d\n", "Bindings:", len(cfg.Bindings))

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("    %-12s %s\n", "Auth:", authModes(cfg.Gateway))

	fmt.Println()
	fmt.Println("  Store:")
	checkStore(cfg.Store)

	if len(cfg.MCPServers) > 0 {
		fmt.Println()
		fmt.Println("  MCP servers:")
		names := make([]string, 0, len(cfg.MCPServers))
		for name := range cfg.MCPServers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			checkMCPServer(name, cfg.MCPServers[name])
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func authModes(gw config.GatewayConfig) string {
	if gateway.NewAuthenticator(gw).Open() {
		return "OPEN (no token, jwt secret or paired devices)"
	}
	var modes []string
	if gw.Token != "" {
		modes = append(modes, "token")
	}
	if gw.JWTSecret != "" {
		modes = append(modes, "jwt")
	}
	if n := len(gw.PairedDevices); n > 0 {
		modes = append(modes, fmt.Sprintf("pairing (%d devices)", n))
	}
	return strings.Join(modes, ", ")
}

func checkStore(sc config.StoreConfig) {
	backend := sc.Backend
	if backend == "" {
		backend = "file"
	}
	fmt.Printf("    %-12s %s\n", "Backend:", backend)

	switch backend {
	case "postgres":
		if sc.PostgresDSN == "" {
			fmt.Printf("    %-12s CLAWLANE_POSTGRES_DSN not set\n", "Status:")
			return
		}
		m, err := pg.NewMigrator(sc.PostgresDSN)
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			return
		}
		defer m.Close()
		v, dirty, err := m.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			fmt.Printf("    %-12s not migrated (starting the gateway applies it)\n", "Schema:")
		case err != nil:
			fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		case dirty:
			fmt.Printf("    %-12s v%d (DIRTY; fix the schema, then run: clawlane migrate force <version>)\n", "Schema:", v)
		default:
			fmt.Printf("    %-12s v%d\n", "Schema:", v)
		}
	case "memory":
		fmt.Printf("    %-12s transcripts are not persisted\n", "Note:")
	default:
		path := config.ExpandHome(sc.Path)
		fmt.Printf("    %-12s %s", "Path:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (created on first start)")
		} else {
			fmt.Println(" (OK)")
		}
	}
}

func checkMCPServer(name string, sc *config.MCPServerConfig) {
	if sc == nil || !sc.IsEnabled() {
		fmt.Printf("    %-16s disabled\n", name+":")
		return
	}
	if sc.Transport != "stdio" {
		fmt.Printf("    %-16s %s %s\n", name+":", sc.Transport, sc.URL)
		return
	}
	path, err := exec.LookPath(sc.Command)
	if err != nil {
		fmt.Printf("    %-16s stdio command %q NOT FOUND\n", name+":", sc.Command)
		return
	}
	fmt.Printf("    %-16s stdio %s\n", name+":", path)
}

// Command sentryd runs the embedded SSH automation controller: it wires
// the Key Store, Known-Hosts Store, Variable Store, Rule Engine and
// Action Dispatcher together and serves as the CLI front-end named but
// left unspecified by spec.md §1. The configure/version/start command
// triad and kingpin scaffold are grounded on
// utils/runner.go + access/pagerduty/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/tianshan-edge/sentryd/internal/config"
	"github.com/tianshan-edge/sentryd/internal/credresolve"
	"github.com/tianshan-edge/sentryd/internal/dispatcher"
	"github.com/tianshan-edge/sentryd/internal/history"
	"github.com/tianshan-edge/sentryd/internal/keystore"
	"github.com/tianshan-edge/sentryd/internal/knownhosts"
	"github.com/tianshan-edge/sentryd/internal/persistence"
	"github.com/tianshan-edge/sentryd/internal/ruleengine"
	"github.com/tianshan-edge/sentryd/internal/shell"
	"github.com/tianshan-edge/sentryd/internal/sshtransport"
	"github.com/tianshan-edge/sentryd/internal/variablestore"
	"github.com/tianshan-edge/sentryd/lib"
	"github.com/tianshan-edge/sentryd/lib/job"
	"github.com/tianshan-edge/sentryd/lib/kv"
	"github.com/tianshan-edge/sentryd/lib/logger"

	"github.com/jonboulle/clockwork"
)

const appName = "sentryd"

var (
	version = "0.1.0"
	gitref  = ""
)

func main() {
	logger.Init()
	app := kingpin.New(appName, "Embedded SSH automation controller.")

	app.Command("configure", "Prints an example .TOML configuration file.")
	app.Command("version", fmt.Sprintf("Prints %s version and exits.", appName))

	startCmd := app.Command("start", fmt.Sprintf("Starts the %s daemon.", appName))
	startPath := startCmd.Flag("config", "TOML config file path").
		Short('c').
		Default(fmt.Sprintf("/etc/%s.toml", appName)).
		String()
	startDebug := startCmd.Flag("debug", "Enable verbose logging to stderr").
		Short('d').
		Bool()

	keysCmd := app.Command("keys", "Inspect the Key Store.")
	keysListCmd := keysCmd.Command("list", "List stored keys.")
	keysListPath := keysListCmd.Flag("config", "TOML config file path").
		Short('c').Default(fmt.Sprintf("/etc/%s.toml", appName)).String()

	hostsCmd := app.Command("known-hosts", "Inspect the Known-Hosts Store.")
	hostsListCmd := hostsCmd.Command("list", "List trusted host keys.")
	hostsListPath := hostsListCmd.Flag("config", "TOML config file path").
		Short('c').Default(fmt.Sprintf("/etc/%s.toml", appName)).String()

	rulesCmd := app.Command("rules", "Inspect the Rule Engine.")
	rulesListCmd := rulesCmd.Command("list", "List registered rules.")
	rulesListPath := rulesListCmd.Flag("config", "TOML config file path").
		Short('c').Default(fmt.Sprintf("/etc/%s.toml", appName)).String()

	shellCmd := app.Command("shell", "Opens an interactive shell against a registered host_ref.")
	shellHostRef := shellCmd.Arg("host_ref", "Host reference registered under hosts.<host_ref> in the Variable Store").Required().String()
	shellConfigPath := shellCmd.Flag("config", "TOML config file path").
		Short('c').Default(fmt.Sprintf("/etc/%s.toml", appName)).String()

	selected, err := app.Parse(os.Args[1:])
	if err != nil {
		lib.Bail(err)
	}

	switch selected {
	case "configure":
		fmt.Print(config.ExampleConfig)
	case "version":
		printVersion()
	case "start":
		if err := run(*startPath, *startDebug); err != nil {
			lib.Bail(err)
		}
		log.Info("Successfully shut down")
	case "keys list":
		if err := listKeys(*keysListPath); err != nil {
			lib.Bail(err)
		}
	case "known-hosts list":
		if err := listKnownHosts(*hostsListPath); err != nil {
			lib.Bail(err)
		}
	case "rules list":
		if err := listRules(*rulesListPath); err != nil {
			lib.Bail(err)
		}
	case "shell":
		if err := runShell(*shellConfigPath, *shellHostRef); err != nil {
			lib.Bail(err)
		}
	}
}

func printVersion() {
	if gitref != "" {
		fmt.Printf("%s v%s git:%s %s\n", appName, version, gitref, runtime.Version())
	} else {
		fmt.Printf("%s v%s %s\n", appName, version, runtime.Version())
	}
}

// daemon bundles every wired component for the "start" command.
type daemon struct {
	conf       *config.Config
	localKV    *kv.Store
	keys       *keystore.Store
	knownHosts *knownhosts.Store
	varStore   *variablestore.Store
	history    *history.Ring
	dispatch   *dispatcher.Dispatcher
	rules      *ruleengine.Engine
	process    *job.Process
}

func newDaemon(ctx context.Context, conf *config.Config) (*daemon, error) {
	localKV := kv.Open(conf.Storage.LocalDir)
	process := job.NewProcess(ctx)

	hostsArbiter := persistence.New(localKV, "host.", conf.Storage.RemovableRoot, "known_hosts", "known_hosts.json")
	rulesArbiter := persistence.New(localKV, "rule.", conf.Storage.RemovableRoot, "rules", "rules.json")
	templatesArbiter := persistence.New(localKV, "tmpl.", conf.Storage.RemovableRoot, "action_templates", "action_templates.json")

	knownHosts, _, err := knownhosts.Load(ctx, hostsArbiter)
	if err != nil {
		return nil, err
	}

	varStore := variablestore.New()
	hist := history.New()
	keys := keystore.New(localKV)

	disp, err := dispatcher.New(dispatcher.Config{
		VarStore:          varStore,
		Process:           process,
		Arbiter:           templatesArbiter,
		Keys:              keys,
		RateLimitTokens:   conf.Dispatcher.RateLimitTokens,
		RateLimitInterval: conf.Dispatcher.RateLimitInterval(),
	})
	if err != nil {
		return nil, err
	}
	if err := disp.LoadTemplates(ctx); err != nil {
		log.WithError(err).Warn("failed to load action templates")
	}

	rules := ruleengine.New(varStore, disp, hist, rulesArbiter, clockwork.NewRealClock())

	return &daemon{
		conf:       conf,
		localKV:    localKV,
		keys:       keys,
		knownHosts: knownHosts,
		varStore:   varStore,
		history:    hist,
		dispatch:   disp,
		rules:      rules,
		process:    process,
	}, nil
}

func run(configPath string, debug bool) error {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.Setup(conf.Log); err != nil {
		return err
	}
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, conf)
	if err != nil {
		return err
	}

	// Both rule engine loops are critical: if either dies, the daemon would
	// otherwise keep running with a stale or never-loaded rule set without
	// any indication something went wrong.
	d.process.Spawn(d.rules.DeferredLoadJob(3*time.Second), job.Critical(true))
	d.process.Spawn(d.rules.EvaluationSchedulerJob(conf.RuleEngine.EvaluationInterval()), job.Critical(true))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Infof("%s v%s started", appName, version)
	select {
	case <-sigCh:
		log.Info("received termination signal, shutting down")
	case <-d.process.Done():
	}
	return d.process.Shutdown(context.Background())
}

// acceptHostKey prompts an operator to accept an unknown host key,
// wired as sshtransport.TrustDecision (SPEC_FULL.md §3's promptui TOFU
// accept-prompt).
func acceptHostKey(host string, port int, fingerprint, keyType string) bool {
	prompt := promptui.Prompt{
		Label:     fmt.Sprintf("Unknown host %s:%d (%s fingerprint %s). Trust it?", host, port, keyType, fingerprint),
		IsConfirm: true,
	}
	_, err := prompt.Run()
	return err == nil
}

func listKeys(configPath string) error {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	ks := keystore.New(kv.Open(conf.Storage.LocalDir))
	infos, err := ks.List()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Type", "Comment", "Has Public"})
	for _, info := range infos {
		table.Append([]string{info.ID, string(info.Type), info.Comment, fmt.Sprintf("%v", info.HasPublic)})
	}
	table.Render()
	return nil
}

func listKnownHosts(configPath string) error {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	localKV := kv.Open(conf.Storage.LocalDir)
	arbiter := persistence.New(localKV, "host.", conf.Storage.RemovableRoot, "known_hosts", "known_hosts.json")
	store, _, err := knownhosts.Load(context.Background(), arbiter)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Host", "Port", "Key Type", "Fingerprint", "Added"})
	for _, e := range store.List() {
		table.Append([]string{e.Host, fmt.Sprintf("%d", e.Port), e.KeyType, e.Fingerprint, fmt.Sprintf("%d", e.AddedTime)})
	}
	table.Render()
	return nil
}

func listRules(configPath string) error {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	localKV := kv.Open(conf.Storage.LocalDir)
	arbiter := persistence.New(localKV, "rule.", conf.Storage.RemovableRoot, "rules", "rules.json")
	varStore := variablestore.New()
	disp, err := dispatcher.New(dispatcher.Config{VarStore: varStore, Process: job.NewProcess(context.Background())})
	if err != nil {
		return err
	}
	rules := ruleengine.New(varStore, disp, history.New(), arbiter, clockwork.NewRealClock())
	if err := rules.LoadAll(context.Background()); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Enabled", "Cooldown (ms)", "Triggers"})
	for _, r := range rules.List() {
		table.Append([]string{r.ID, r.Name, fmt.Sprintf("%v", r.Enabled), fmt.Sprintf("%d", r.CooldownMS), fmt.Sprintf("%d", r.TriggerCount)})
	}
	table.Render()
	return nil
}

// runShell resolves hostRef through a freshly created, empty Variable
// Store (so only credresolve's fallbacks apply: hostRef as the address,
// the default port and username, no password or key), connects an SSH
// Transport session and attaches the local terminal to an Interactive
// Shell (spec.md §4.D), putting stdin into raw mode for the duration so
// control characters (Ctrl-C, Ctrl-D) pass through to the remote side
// instead of being intercepted locally.
func runShell(configPath, hostRef string) error {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	localKV := kv.Open(conf.Storage.LocalDir)
	hostsArbiter := persistence.New(localKV, "host.", conf.Storage.RemovableRoot, "known_hosts", "known_hosts.json")
	knownHosts, _, err := knownhosts.Load(context.Background(), hostsArbiter)
	if err != nil {
		return err
	}
	varStore := variablestore.New()
	cred := credresolve.Resolve(varStore, hostRef)
	keys := keystore.New(localKV)

	keyPEM, err := credresolve.ResolvePrivateKey(keys, cred)
	if err != nil {
		return err
	}
	if keyPEM != nil {
		defer keystore.Zero(keyPEM)
	}

	sess := sshtransport.NewSession(sshtransport.Config{
		Host:           cred.IP,
		Port:           cred.Port,
		Username:       cred.Username,
		Password:       cred.Password,
		PrivateKeyPEM:  keyPEM,
		ConnectTimeout: conf.SSHDefaults.ConnectTimeout(),
		MaxOutputBytes: conf.SSHDefaults.MaxOutputBytes,
		KnownHosts:     knownHosts,
		OnTrust:        acceptHostKey,
	})
	if err := sess.Connect(context.Background()); err != nil {
		return err
	}
	defer sess.Disconnect()

	sh, err := shell.Open(sess, shell.DefaultConfig())
	if err != nil {
		return err
	}
	defer sh.Close()

	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, state)

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := sh.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		data, result := sh.Read(time.Hour)
		switch result {
		case shell.ReadData:
			os.Stdout.Write(data)
		case shell.ReadEOF:
			return nil
		case shell.ReadTimeout:
			continue
		}
	}
}

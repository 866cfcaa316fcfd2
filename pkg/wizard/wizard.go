package wizard

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lkarlslund/chatrelay/pkg/config"
)

// RunServerWizard asks for the settings most deployments change, starting
// from cfg, and saves the result to path. An empty answer keeps the shown
// default; end of input accepts every remaining default.
func RunServerWizard(in io.Reader, out io.Writer, path string, cfg *config.ServerConfig) error {
	p := prompter{in: bufio.NewScanner(in), out: out}
	fmt.Fprintln(out, "chatrelay server configuration")

	cfg.ListenAddr = p.ask("Listen address", cfg.ListenAddr)
	cfg.Upstream.BaseURL = p.ask("Upstream API base URL", cfg.Upstream.BaseURL)
	cfg.DefaultCharacter = p.ask("Default character", cfg.DefaultCharacter)
	cfg.Production = p.askBool("Production mode (secure cookies, JSON logs)", cfg.Production)
	if n, err := strconv.Atoi(p.ask("Stream idle timeout (seconds)", strconv.Itoa(cfg.Upstream.StreamIdleTimeoutSeconds))); err == nil && n > 0 {
		cfg.Upstream.StreamIdleTimeoutSeconds = n
	}

	cfg.TLS.Enabled = p.askBool("Enable Let's Encrypt TLS", cfg.TLS.Enabled)
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = p.ask("TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = p.ask("ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = p.ask("ACME cache dir", cfg.TLS.CacheDir)
	}
	cfg.Metrics.Enabled = p.askBool("Expose Prometheus metrics", cfg.Metrics.Enabled)

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %s\n", path)
	return nil
}

type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p prompter) ask(label, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", label)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	}
	if !p.in.Scan() {
		fmt.Fprintln(p.out)
		return def
	}
	txt := strings.TrimSpace(p.in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func (p prompter) askBool(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	switch strings.ToLower(p.ask(label+" ("+hint+")", "")) {
	case "y", "yes", "true", "1":
		return true
	case "n", "no", "false", "0":
		return false
	}
	return def
}

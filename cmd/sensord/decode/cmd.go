// Package decode prints telemetry payloads captured from broker, e.g. `mosquitto_sub -F %x`.
package decode

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/sensord/cmd/sensord/subcmd"
	"github.com/temoto/sensord/helpers/cli"
	"github.com/temoto/sensord/internal/state"
	"github.com/temoto/sensord/internal/telemetry"
	"github.com/temoto/sensord/log2"
)

const modName = "decode"

var Mod = subcmd.Mod{Name: modName, Usage: "decode hex CBOR telemetry payloads from stdin", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return err
	}
	return cli.MainLoop(modName, newExecutor(g.Log), newCompleter())
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	return func(d prompt.Document) []prompt.Suggest { return nil }
}

func newExecutor(log *log2.Log) func(string) {
	return func(line string) {
		s, err := Line(line)
		if err != nil {
			log.Errorf("decode err=%v", err)
			return
		}
		log.Info(s)
	}
}

// Line decodes one hex payload to `key=value` text.
func Line(line string) (string, error) {
	line = strings.TrimSpace(line)
	// mosquitto_sub wrongly strips leading zero in hex format
	if len(line)%2 == 1 {
		line = "0" + line
	}
	b, err := hex.DecodeString(line)
	if err != nil {
		return "", errors.Annotate(err, "hex")
	}
	m, err := telemetry.Decode(b)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, m[k])
	}
	return fmt.Sprintf("len=%d %s", len(b), strings.Join(parts, " ")), nil
}

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/kelseyhightower/envconfig"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mk6i/open-oicq-client/client"
	"github.com/mk6i/open-oicq-client/client/middleware"
	"github.com/mk6i/open-oicq-client/command"
	"github.com/mk6i/open-oicq-client/config"
	"github.com/mk6i/open-oicq-client/state"
	"github.com/mk6i/open-oicq-client/transport"
	"github.com/mk6i/open-oicq-client/wire"
)

var dumper = spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.Join(strings.Fields(s), ""))
}

func decodeAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected one frame argument")
	}
	b, err := decodeHex(c.Args().First())
	if err != nil {
		return fmt.Errorf("frame is not hex: %w", err)
	}

	var keys wire.KeySource
	if k := c.String("key"); k != "" {
		key, err := decodeHex(k)
		if err != nil {
			return fmt.Errorf("key is not hex: %w", err)
		}
		keys = shareKey(key)
	}

	f, err := wire.UnmarshalFrame(b, keys)
	if err != nil {
		return err
	}
	dumper.Fdump(c.App.Writer, f)
	return nil
}

type shareKey []byte

func (k shareKey) ShareKey() []byte { return k }

func loadSession(path, clientType string) (*state.Session, error) {
	ct, err := state.ParseClientType(clientType)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sess, err := state.NewSession(ct)
	if err != nil {
		return nil, err
	}
	if err := sess.ImportTokens(data); err != nil {
		return nil, fmt.Errorf("unable to import %s: %w", path, err)
	}
	return sess, nil
}

func convertTokenAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected one token file argument")
	}
	sess, err := loadSession(c.Args().First(), c.String("client-type"))
	if err != nil {
		return err
	}
	out, err := sess.ExportTokens()
	if err != nil {
		return err
	}
	if path := c.String("out"); path != "" {
		return os.WriteFile(path, out, 0o600)
	}
	_, err = fmt.Fprintln(c.App.Writer, string(out))
	return err
}

func tokenStatusAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected one token file argument")
	}
	sess, err := loadSession(c.Args().First(), c.String("client-type"))
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "uin:        %s\n", sess.UIN())
	fmt.Fprintf(w, "app id:     %d\n", sess.Device().AppID)
	fmt.Fprintf(w, "share key:  %t\n", len(sess.ShareKey()) > 0)
	fmt.Fprintf(w, "tgt:        %t\n", len(sess.Tokens().TGT) > 0)
	fmt.Fprintf(w, "emp time:   %s\n", sess.EmpTime())
	fmt.Fprintf(w, "emp fresh:  %t\n", sess.EmpFresh())
	fmt.Fprintf(w, "p_skey:     %d domains\n", len(sess.Cookies().PSKey))
	return nil
}

func sendAction(c *cli.Context) error {
	var cfg config.Config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("unable to process app config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := middleware.NewLogger(cfg)

	sess, err := loadSession(c.String("token"), cfg.ClientType)
	if err != nil {
		return err
	}
	body, err := decodeHex(c.String("body"))
	if err != nil {
		return fmt.Errorf("body is not hex: %w", err)
	}
	req := command.Raw{Command: c.String("cmd"), PackWay: wire.PackWaySessionKey, Body: body}
	if c.Bool("zero-key") {
		req.PackWay = wire.PackWayZeroKey
	}

	endpoint, err := cfg.Endpoint()
	if err != nil {
		return err
	}
	proxyURL, err := cfg.Proxy()
	if err != nil {
		return err
	}
	dialer, err := transport.NewDialer(endpoint, proxyURL, cfg.DialTimeout)
	if err != nil {
		return err
	}
	cl, err := client.NewClient(cfg, sess, logger, dialer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, cfg.DialTimeout)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("unable to connect to %s: %w", endpoint, err)
	}
	defer func() {
		res := cl.Close()
		logger.Info(res.Message,
			"frames_sent", res.Conn.FramesSent,
			"frames_received", res.Conn.FramesReceived,
			"frames_dropped", res.Conn.FramesDropped)
	}()

	results := make([]client.Result[[]byte], max(c.Int("repeat"), 1))
	g, gctx := errgroup.WithContext(c.Context)
	for i := range results {
		i := i
		g.Go(func() error {
			results[i] = client.Do[[]byte](gctx, cl, req, command.RawParser{})
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for i, res := range results {
		if !res.OK() {
			failed++
		}
		fmt.Fprintf(c.App.Writer, "%d: status=%d message=%q response=%s\n",
			i, res.Status, res.Message, hex.EncodeToString(res.Response))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(results))
	}
	return nil
}

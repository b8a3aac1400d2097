package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridscope/scadasim/pkg/model"
)

// authError distinguishes credential failures (exit 2) from transport
// failures (exit 1).
type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

type client struct {
	base  string
	http  *http.Client
	token string
}

func newClient() *client {
	return &client{
		base: strings.TrimRight(flagServer, "/"),
		http: &http.Client{Timeout: flagTimeout},
	}
}

func (c *client) login() error {
	body, _ := json.Marshal(map[string]string{
		"username": flagUsername,
		"password": flagPassword,
	})
	resp, err := c.http.Post(c.base+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &authError{msg: "login failed: " + apiMessage(resp.Body)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %s", resp.Status)
	}

	var session struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	c.token = session.AccessToken
	return nil
}

func (c *client) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &authError{msg: "GET " + path + ": " + apiMessage(resp.Body)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiMessage(r io.Reader) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return "request rejected"
}

func runOverview(cmd *cobra.Command) error {
	c := newClient()
	if err := c.login(); err != nil {
		return err
	}

	for {
		if err := renderOverview(cmd, c); err != nil {
			return err
		}
		if flagInterval <= 0 {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(flagInterval):
		}
	}
}

func renderOverview(cmd *cobra.Command, c *client) error {
	var snap model.GridSnapshot
	if err := c.get("/grid/overview", &snap); err != nil {
		return err
	}
	var nodes []model.NodeRuntimeRecord
	if err := c.get("/nodes", &nodes); err != nil {
		return err
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Descriptor.NodeID < nodes[j].Descriptor.NodeID
	})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Grid @ %s\n", snap.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "  frequency   %7.3f Hz\n", snap.SystemFrequencyHz)
	fmt.Fprintf(out, "  generation  %7.1f MW\n", snap.TotalGenerationMW)
	fmt.Fprintf(out, "  load        %7.1f MW\n", snap.TotalLoadMW)
	fmt.Fprintf(out, "  losses      %7.1f MW\n", snap.GridLossesMW)
	fmt.Fprintf(out, "  nodes       %d online / %d degraded / %d offline\n",
		snap.NodesOnline, snap.NodesDegraded, snap.NodesOffline)
	if len(snap.AlarmCounts) > 0 {
		fmt.Fprintf(out, "  alarms      %v\n", snap.AlarmCounts)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tKIND\tLOCATION\tLINK\tRECONNECTS\tLAST HEARTBEAT")
	for _, n := range nodes {
		hb := "-"
		if !n.LastHeartbeat.IsZero() {
			hb = time.Since(n.LastHeartbeat).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			n.Descriptor.NodeID, n.Descriptor.Kind, n.Descriptor.Location,
			n.LinkState, n.ReconnectNum, hb)
	}
	return w.Flush()
}

func runAlarms(cmd *cobra.Command) error {
	c := newClient()
	if err := c.login(); err != nil {
		return err
	}

	var alarms []model.Alarm
	if err := c.get("/alarms/active", &alarms); err != nil {
		return err
	}
	if len(alarms) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no active alarms")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALARM\tNODE\tCODE\tSEVERITY\tSTATE\tRAISED")
	for _, a := range alarms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.AlarmID, a.NodeID, a.Code, a.Severity, a.State,
			a.RaisedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

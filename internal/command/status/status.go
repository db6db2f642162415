package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	cmdflags "vistara-arbiter/internal/command/flags"
	"vistara-arbiter/internal/config"
	"vistara-arbiter/pkg/arbiter"
	"vistara-arbiter/pkg/client"
)

const requestTimeout = 5 * time.Second

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show resource ownership and registered VMs of a running arbiterd",
		PreRunE: func(c *cobra.Command, _ []string) error {
			cmdflags.BindCommandToViper(c)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			r, err := Fetch(ctx, http.DefaultClient, "http://"+cfg.HTTPBindAddr, time.Now())
			if err != nil {
				return err
			}

			return Render(cmd.OutOrStdout(), cfg.StatusOutput, r)
		},
	}

	cmdflags.AddStatusFlagsToCommand(cmd, cfg)

	return cmd, nil
}

// Report is the status command output.
type Report struct {
	Resources []arbiter.ResourceStatus `json:"resources" yaml:"resources"`
	VMs       []VM                     `json:"vms" yaml:"vms"`
	Clients   []client.SessionInfo     `json:"clients,omitempty" yaml:"clients,omitempty"`
}

// VM adds human readable ages to a VM status.
type VM struct {
	arbiter.VMStatus `yaml:",inline"`
	Registered       string `json:"registered" yaml:"registered_for"`
	Held             string `json:"held,omitempty" yaml:"held_for,omitempty"`
}

// Fetch reads the status of the arbiter listening at baseURL.
func Fetch(ctx context.Context, httpClient *http.Client, baseURL string, now time.Time) (Report, error) {
	var (
		r   Report
		vms []arbiter.VMStatus
	)

	if err := get(ctx, httpClient, baseURL+"/api/v1/resources", &r.Resources); err != nil {
		return Report{}, err
	}

	if err := get(ctx, httpClient, baseURL+"/api/v1/vms", &vms); err != nil {
		return Report{}, err
	}

	if err := get(ctx, httpClient, baseURL+"/api/v1/clients", &r.Clients); err != nil {
		return Report{}, err
	}

	for _, vm := range vms {
		row := VM{VMStatus: vm, Registered: units.HumanDuration(now.Sub(vm.RegisteredAt))}
		if vm.GrantedAt != nil {
			row.Held = units.HumanDuration(now.Sub(*vm.GrantedAt))
		}
		r.VMs = append(r.VMs, row)
	}

	return r, nil
}

func get(ctx context.Context, httpClient *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("querying %s: %s: %s", url, resp.Status, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}

	return nil
}

// Render writes the report as yaml or json.
func Render(w io.Writer, format string, r Report) error {
	switch format {
	case "", "yaml":
		out, err := yaml.Marshal(r)
		if err != nil {
			return err
		}
		_, err = w.Write(out)

		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(r)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ushineko/netcert/internal/certmgr"
	"github.com/ushineko/netcert/internal/certstore"
	"github.com/ushineko/netcert/internal/config"
	"github.com/ushineko/netcert/internal/instance"
	"github.com/ushineko/netcert/internal/logging"
	"github.com/ushineko/netcert/internal/migrate"
	"github.com/ushineko/netcert/internal/output"
	"github.com/ushineko/netcert/internal/pki"
)

var (
	flagOutput  string
	flagCAForce bool
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Certificate authority management",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the CA if it does not exist",
	Args:  cobra.NoArgs,
	RunE:  runCAInit,
}

var caRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the CA and re-issue every network certificate",
	Args:  cobra.NoArgs,
	RunE:  runCARotate,
}

var caShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print CA details",
	Args:  cobra.NoArgs,
	RunE:  runCAShow,
}

var networksCmd = &cobra.Command{
	Use:     "networks",
	Aliases: []string{"net"},
	Short:   "Inspect and manage network certificates",
}

var networksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned networks, most recently used first",
	Args:  cobra.NoArgs,
	RunE:  runNetworksList,
}

var networksEnsureCmd = &cobra.Command{
	Use:   "ensure <ip|localhost>",
	Short: "Provision a certificate for the network an address belongs to",
	Args:  cobra.ExactArgs(1),
	RunE:  runNetworksEnsure,
}

var networksRegenerateCmd = &cobra.Command{
	Use:   "regenerate <network-id>",
	Short: "Re-issue a network's certificate with the current CA",
	Args:  cobra.ExactArgs(1),
	RunE:  runNetworksRegenerate,
}

var networksRevokeCmd = &cobra.Command{
	Use:   "revoke <network-id>",
	Short: "Delete a network and its certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runNetworksRevoke,
}

var networksLabelCmd = &cobra.Command{
	Use:   "label <network-id> <label>",
	Short: "Set a network's display label",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runNetworksLabel,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Convert legacy certificate layouts and exit",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Verify every network certificate against the CA, repairing stale ones",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	caInitCmd.Flags().BoolVar(&flagCAForce, "force", false, "replace an existing CA")

	for _, c := range []*cobra.Command{caShowCmd, networksListCmd, networksEnsureCmd, networksRegenerateCmd, networksLabelCmd, migrateCmd, validateCmd, caRotateCmd} {
		c.Flags().StringVarP(&flagOutput, "output", "o", "table", "output format: table, json or yaml")
	}

	caCmd.AddCommand(caInitCmd, caRotateCmd, caShowCmd)
	networksCmd.AddCommand(networksListCmd, networksEnsureCmd, networksRegenerateCmd, networksRevokeCmd, networksLabelCmd)
}

// session is the state shared by the one-shot commands, which work on the
// data directory directly rather than through a running daemon.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	id      instance.Identity
	store   *certstore.Store
	format  output.Format
	cleanup func()
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	format := output.Table
	if f := cmd.Flags().Lookup("output"); f != nil {
		if format, err = output.ParseFormat(f.Value.String()); err != nil {
			return nil, err
		}
	}

	// stdout carries the result; stderr only gets warnings unless -v.
	logger, cleanup := logging.Setup(logging.Config{
		Verbose: cfg.Verbose,
		Quiet:   true,
	})

	id, err := instance.Load(cfg.DataDir, cfg.InstanceName)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("load instance identity: %w", err)
	}

	return &session{
		cfg:     cfg,
		logger:  logger,
		id:      id,
		store:   certstore.New(cfg.DataDir, logger),
		format:  format,
		cleanup: cleanup,
	}, nil
}

// manager returns a started manager.
func (s *session) manager(cmd *cobra.Command) (*certmgr.Manager, error) {
	mgr := newManager(&s.cfg, s.id, s.store, nil, s.logger)
	if err := mgr.Start(cmd.Context()); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (s *session) print(v any) error {
	return output.Write(os.Stdout, s.format, v)
}

// networkTable renders metadata for the table format.
type networkTable []*certstore.Metadata

func (n networkTable) Header() []string {
	return []string{"NETWORK", "LABEL", "IPS", "PUBLIC IP", "CREATED", "LAST USED", "AUTO"}
}

func (n networkTable) Rows() [][]string {
	rows := make([][]string, 0, len(n))
	for _, m := range n {
		public := "-"
		if m.PublicIP != nil && *m.PublicIP != "" {
			public = *m.PublicIP
		}
		rows = append(rows, []string{
			m.NetworkID,
			m.Label,
			strings.Join(m.IPs, ","),
			public,
			m.CreatedAt.Local().Format(time.DateTime),
			m.LastUsedAt.Local().Format(time.DateTime),
			strconv.FormatBool(m.AutoGenerated),
		})
	}
	return rows
}

// caSummary is the printable view of a CA.
type caSummary struct {
	Subject     string    `json:"subject" yaml:"subject"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	NotBefore   time.Time `json:"not_before" yaml:"not_before"`
	NotAfter    time.Time `json:"not_after" yaml:"not_after"`
	CertPath    string    `json:"cert_path" yaml:"cert_path"`
}

func summarizeCA(store *certstore.Store, ca *pki.CA) caSummary {
	return caSummary{
		Subject:     ca.Cert.Subject.String(),
		Fingerprint: ca.Fingerprint,
		NotBefore:   ca.Cert.NotBefore.UTC(),
		NotAfter:    ca.NotAfter.UTC(),
		CertPath:    store.CACertPath(),
	}
}

// validationSummary is the printable view of a chain validation sweep.
type validationSummary struct {
	CAFingerprint string   `json:"ca_fingerprint" yaml:"ca_fingerprint"`
	Checked       int      `json:"checked" yaml:"checked"`
	Repaired      []string `json:"repaired" yaml:"repaired"`
	Failed        []string `json:"failed" yaml:"failed"`
}

// migrationStep is the printable outcome of one migration step.
type migrationStep struct {
	Step    string `json:"step" yaml:"step"`
	Changed bool   `json:"changed" yaml:"changed"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

type migrationTable []migrationStep

func (t migrationTable) Header() []string { return []string{"STEP", "CHANGED", "ERROR"} }

func (t migrationTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, r := range t {
		e := r.Error
		if e == "" {
			e = "-"
		}
		rows = append(rows, []string{r.Step, strconv.FormatBool(r.Changed), e})
	}
	return rows
}

func runCAInit(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	created, err := pki.Bootstrap(s.store.TLSDir(), s.id, flagCAForce)
	if err != nil {
		return fmt.Errorf("bootstrap CA: %w", err)
	}
	ca, err := s.store.LoadCA()
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("CA created: %s\n", ca.Fingerprint)
		if flagCAForce {
			fmt.Println("existing network certificates are repaired on the next start or `netcertd validate`")
		}
	} else {
		fmt.Printf("CA already exists: %s\n", ca.Fingerprint)
	}
	return nil
}

func runCARotate(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	if _, err := pki.Bootstrap(s.store.TLSDir(), s.id, true); err != nil {
		return fmt.Errorf("rotate CA: %w", err)
	}
	s.logger.Info("CA rotated", "dir", s.store.TLSDir())
	return s.validate(cmd)
}

func runCAShow(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	ca, err := s.store.LoadCA()
	if err != nil {
		return err
	}
	return s.print(summarizeCA(s.store, ca))
}

func runNetworksList(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	mgr, err := s.manager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()
	return s.print(networkTable(mgr.ListNetworks()))
}

func runNetworksEnsure(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	mgr, err := s.manager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()

	id, err := mgr.EnsureNetworkCert(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return s.printNetwork(mgr, id)
}

func runNetworksRegenerate(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	mgr, err := s.manager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.RegenerateNetwork(cmd.Context(), args[0]); err != nil {
		return err
	}
	return s.printNetwork(mgr, args[0])
}

func runNetworksRevoke(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	mgr, err := s.manager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.RevokeNetwork(args[0]); err != nil {
		return err
	}
	fmt.Printf("revoked %s\n", args[0])
	return nil
}

func runNetworksLabel(cmd *cobra.Command, args []string) error {
	label := strings.TrimSpace(strings.Join(args[1:], " "))
	if label == "" {
		return fmt.Errorf("label must not be empty")
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	mgr, err := s.manager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.UpdateLabel(args[0], label); err != nil {
		return err
	}
	return s.printNetwork(mgr, args[0])
}

func runMigrate(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	var out migrationTable
	var failed int
	for _, r := range migrate.New(s.store, s.id.Name, s.logger).Run() {
		step := migrationStep{Step: r.Step, Changed: r.Changed}
		if r.Err != nil {
			step.Error = r.Err.Error()
			failed++
		}
		out = append(out, step)
	}
	if err := s.print(out); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d migration step(s) failed", failed)
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()
	return s.validate(cmd)
}

// validate loads every network and re-issues the ones that no longer chain
// to the CA on disk.
func (s *session) validate(cmd *cobra.Command) error {
	ca, err := s.store.LoadCA()
	if err != nil {
		return err
	}

	mgr := newManager(&s.cfg, s.id, s.store, nil, s.logger)
	defer mgr.Close()
	if err := mgr.Load(); err != nil {
		return fmt.Errorf("load networks: %w", err)
	}
	report, err := mgr.ValidateChains(cmd.Context())
	if err != nil {
		return err
	}

	out := validationSummary{
		CAFingerprint: ca.Fingerprint,
		Checked:       report.Checked,
		Repaired:      nonNil(report.Repaired),
		Failed:        nonNil(report.Failed),
	}
	if err := s.print(out); err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d network certificate(s) could not be repaired", len(report.Failed))
	}
	return nil
}

func (s *session) printNetwork(mgr *certmgr.Manager, id string) error {
	meta, err := mgr.Network(id)
	if err != nil {
		return err
	}
	return s.print(networkTable{meta})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

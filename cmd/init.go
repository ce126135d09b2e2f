package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/planwright/planwright/internal/config"
)

const (
	defaultPlansDir = "plans"
	defaultTomlBody = `default_environment = "local"

[guardrails]
allow_cross_catalog = false

[retry]
base_delay = "2s"
max_delay = "1m"
poll_interval = "2s"

[logging]
level = "info"
format = "console"

[preview]
sample_rows = 10

[environments.local]
store_url = "planwright.db"
`
	defaultDotenvBody = `# Databricks workspace credentials for the "local" environment.
# Keep this file out of version control.
DATABRICKS_HOST=
DATABRICKS_TOKEN=
`
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create planwright.toml, .env.local and a plans/ directory",
	Long: `Initialize a planwright project in the current directory. The wizard creates
plans/, planwright.toml with default settings and a .env.local template for
Databricks credentials. Existing files are never overwritten.`,
	Example: `  # Interactive
  planwright init

  # Accept defaults without prompts
  planwright init --yes`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var initYes bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initYes, "yes", false, "Skip the wizard and accept default values")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	if initYes {
		result, err := bootstrapProject(dir)
		if err != nil {
			return err
		}
		reportBootstrapResult(cmd.OutOrStdout(), dir, result)
		return nil
	}

	model := newInitWizardModel(dir)
	if _, err := tea.NewProgram(model, tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout())).Run(); err != nil {
		return err
	}
	if model.err != nil {
		return model.err
	}
	reportBootstrapResult(cmd.OutOrStdout(), dir, model.result)
	return nil
}

type bootstrapResult struct {
	PlansDir        string
	ConfigPath      string
	DotenvPath      string
	PlansDirCreated bool
	DotenvCreated   bool
}

func ensureDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return false, nil
		}
		return false, fmt.Errorf("%s exists but is not a directory", path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	return true, os.MkdirAll(path, 0o755)
}

// writeNew writes data to path unless the file already exists.
func writeNew(path string, data string, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.WriteString(data); err != nil {
		_ = f.Close()
		return false, err
	}
	return true, f.Close()
}

func bootstrapProject(dir string) (*bootstrapResult, error) {
	configPath := filepath.Join(dir, config.FileName)
	if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("%s already exists.\n\nEdit the existing file or delete it if you want to re-initialize", filepath.ToSlash(configPath))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	result := &bootstrapResult{
		PlansDir:   filepath.Join(dir, defaultPlansDir),
		ConfigPath: configPath,
		DotenvPath: filepath.Join(dir, ".env.local"),
	}

	var err error
	if result.PlansDirCreated, err = ensureDir(result.PlansDir); err != nil {
		return nil, err
	}
	if err := os.WriteFile(configPath, []byte(defaultTomlBody), 0o644); err != nil {
		return nil, err
	}
	if result.DotenvCreated, err = writeNew(result.DotenvPath, defaultDotenvBody, 0o600); err != nil {
		return nil, err
	}
	return result, nil
}

func reportBootstrapResult(out io.Writer, dir string, result *bootstrapResult) {
	if result == nil {
		return
	}
	rel := func(p string) string {
		if r, err := filepath.Rel(dir, p); err == nil {
			return filepath.ToSlash(r)
		}
		return filepath.ToSlash(p)
	}

	if result.PlansDirCreated {
		_, _ = fmt.Fprintf(out, "✓ Created %s/\n", rel(result.PlansDir))
	} else {
		_, _ = fmt.Fprintf(out, "• Using existing %s/\n", rel(result.PlansDir))
	}
	_, _ = fmt.Fprintf(out, "✓ Wrote %s\n", rel(result.ConfigPath))
	if result.DotenvCreated {
		_, _ = fmt.Fprintf(out, "✓ Wrote %s (add your Databricks credentials)\n", rel(result.DotenvPath))
	} else {
		_, _ = fmt.Fprintf(out, "• Kept existing %s\n", rel(result.DotenvPath))
	}
}

type initWizardModel struct {
	dir      string
	spinner  spinner.Model
	creating bool
	done     bool
	err      error
	status   string
	result   *bootstrapResult
}

func newInitWizardModel(dir string) *initWizardModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &initWizardModel{dir: dir, spinner: sp}
}

func (m *initWizardModel) Init() tea.Cmd {
	return nil
}

type bootstrapResultMsg struct {
	Result *bootstrapResult
}

type bootstrapErrorMsg struct {
	Err error
}

func createBootstrapCmd(dir string) tea.Cmd {
	return func() tea.Msg {
		result, err := bootstrapProject(dir)
		if err != nil {
			return bootstrapErrorMsg{Err: err}
		}
		return bootstrapResultMsg{Result: result}
	}
}

func (m *initWizardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.creating || m.done {
				return m, nil
			}
			m.creating = true
			m.status = ""
			return m, tea.Batch(createBootstrapCmd(m.dir), m.spinner.Tick)
		}
	case spinner.TickMsg:
		if m.creating {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	case bootstrapResultMsg:
		m.creating = false
		m.done = true
		m.result = msg.Result
		m.status = "✓ Ready! Wrote " + config.FileName
		return m, tea.Quit
	case bootstrapErrorMsg:
		m.creating = false
		m.err = msg.Err
		m.status = fmt.Sprintf("Error: %v", msg.Err)
		return m, tea.Quit
	}
	return m, nil
}

func (m *initWizardModel) View() string {
	var b strings.Builder

	b.WriteString("\n  Planwright Init\n\n")
	b.WriteString("  This will create:\n")
	b.WriteString("    • " + defaultPlansDir + "/\n")
	b.WriteString("    • " + config.FileName + "\n")
	b.WriteString("    • .env.local\n\n")

	switch {
	case m.creating:
		b.WriteString(fmt.Sprintf("  %s Setting up the project...\n\n", m.spinner.View()))
	case m.done || m.err != nil:
		b.WriteString(fmt.Sprintf("  %s\n\n", m.status))
	default:
		b.WriteString("  Press Enter to continue or Esc to cancel.\n\n")
	}
	return b.String()
}

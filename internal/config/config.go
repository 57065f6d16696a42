package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultReviewTemplate is the prompt used for automatic reviewer sessions.
// {prompt} and {output} are substituted with the reviewed agent's original
// prompt and its last message.
const DefaultReviewTemplate = `You are reviewing output from a sub-agent.

Sub-agent prompt:
{prompt}

Sub-agent output:
{output}

Return:
1) a short verdict (correct/incorrect/uncertain),
2) any issues or missing steps,
3) concrete fixes if needed.
`

type Config struct {
	DataDir  string
	DBPath   string
	LogDir   string
	Settings Settings
}

// Settings are the defaults read from <data-dir>/config.yaml. Command-line
// flags override them.
type Settings struct {
	ServerCmd      string `yaml:"server_cmd"`
	Cwd            string `yaml:"cwd"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxParallel    int    `yaml:"max_parallel"`
	Review         bool   `yaml:"review"`
	ReviewTemplate string `yaml:"review_template"`
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("FLEET_DATA_DIR", filepath.Join(homeDir, ".fleet"))

	c := &Config{
		DataDir: dataDir,
		DBPath:  filepath.Join(dataDir, "fleet.db"),
		LogDir:  filepath.Join(dataDir, "logs"),
		Settings: Settings{
			ServerCmd:      "codex app-server",
			TimeoutSeconds: 600,
			ReviewTemplate: DefaultReviewTemplate,
		},
	}

	if err := c.loadSettings(filepath.Join(dataDir, "config.yaml")); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) loadSettings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, &c.Settings); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if c.Settings.ServerCmd == "" {
		c.Settings.ServerCmd = "codex app-server"
	}
	if c.Settings.ReviewTemplate == "" {
		c.Settings.ReviewTemplate = DefaultReviewTemplate
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.LogDir, 0755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

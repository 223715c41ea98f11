/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/cmdrunner"
	"github.com/alexandremahdhaoui/kvmcheck/pkg/vmtest"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = "KVMCHECK_CONFIG_PATH"
	// ImageEnvKey is the environment variable key for the image or image source.
	ImageEnvKey = "UVT_IMAGE_OR_SOURCE"
	// LibvirtURIEnvKey is the environment variable key read by virsh and uvtool.
	LibvirtURIEnvKey = "LIBVIRT_DEFAULT_URI"

	// DotEnvPath is loaded when present. Variables already set in the
	// environment take precedence.
	DotEnvPath = ".env"

	DefaultLogFile = "virt_debug"
)

// Config is used to configure a kvmcheck run.
//
// Precedence, lowest first: defaults, config file, environment variables,
// command-line flags.
type Config struct {
	// Image is a cloud image path or file:// URL, or a simplestreams source
	// URL. Empty syncs from the default mirror.
	Image string `json:"image"`
	// Release is the Ubuntu release codename. Detected on the host if empty.
	Release string `json:"release"`
	// Arch is the Debian architecture. Detected on the host if empty.
	Arch string `json:"arch"`

	// Packages are the host packages ensured before the run.
	Packages []string `json:"packages"`
	// Sudo prefixes package installation with "sudo -n".
	Sudo *bool `json:"sudo,omitempty"`

	// SSHKeyPath is the private key used to reach the VM. uvt-kvm ssh only
	// uses a custom key through an ssh-agent; NativeSSHProbe uses it directly.
	SSHKeyPath string `json:"sshKeyPath"`
	// SSHKeyBits is the RSA key size used when the key is generated.
	SSHKeyBits int `json:"sshKeyBits"`
	// SSHUser is the VM login of the native SSH probe and user-data.
	SSHUser string `json:"sshUser"`
	// NativeSSHProbe additionally checks the VM with the built-in SSH client.
	NativeSSHProbe *bool `json:"nativeSSHProbe,omitempty"`

	// CommandTimeout bounds every external command, e.g. "500s".
	CommandTimeout string `json:"commandTimeout"`
	// FailurePolicy is "continue" or "abort".
	FailurePolicy string `json:"failurePolicy"`
	// CleanupPolicy is "always" or "on-create".
	CleanupPolicy string `json:"cleanupPolicy"`

	// LibvirtURI is the libvirt connection used by the tools and the
	// inspector.
	LibvirtURI string `json:"libvirtURI"`
	// Inspect enables libvirt checks through the libvirt API.
	Inspect *bool `json:"inspect,omitempty"`

	// UserData replaces the cloud-init user-data generated by uvtool.
	UserData *UserData `json:"userData,omitempty"`

	// Debug enables debug logging.
	Debug *bool `json:"debug,omitempty"`
	// LogFile receives a copy of the logs.
	LogFile string `json:"logFile"`
	// ReportDir receives JSON and text reports when set.
	ReportDir string `json:"reportDir"`
	// MetricsFile receives Prometheus metrics in the textfile format when set.
	MetricsFile string `json:"metricsFile"`
}

type UserData struct {
	// Packages are installed in the VM by cloud-init.
	Packages []string `json:"packages"`
	// RunCommands are run in the VM by cloud-init.
	RunCommands []string `json:"runcmd"`
}

// defaultConfig returns the configuration used when nothing is set.
func defaultConfig() *Config {
	return &Config{
		Packages:       slices.Clone(vmtest.DefaultPackages),
		Sudo:           ptr.To(false),
		NativeSSHProbe: ptr.To(false),
		CommandTimeout: cmdrunner.DefaultTimeout.String(),
		FailurePolicy:  string(vmtest.FailureContinue),
		CleanupPolicy:  string(vmtest.CleanupAlways),
		Inspect:        ptr.To(true),
		Debug:          ptr.To(false),
		LogFile:        DefaultLogFile,
	}
}

// loadConfig builds the configuration from the defaults, the config file at
// path if any, then the environment.
func loadConfig(path string, getenv func(string) string) (*Config, error) {
	config := defaultConfig()

	if path == "" {
		path = getenv(ConfigPathEnvKey)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Parse YAML (uses json tags)
		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if v := getenv(ImageEnvKey); v != "" {
		config.Image = v
	}
	if v := getenv(LibvirtURIEnvKey); v != "" {
		config.LibvirtURI = v
	}

	return config, nil
}

// newGetenv returns a lookup of the process environment falling back to the
// variables of the dotenv file at path, if it exists.
func newGetenv(path string) (func(string) string, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		vars = nil
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return vars[key]
	}, nil
}

// flags holds the command-line flags. Only flags set by the user override
// the configuration.
type flags struct {
	configPath     string
	image          string
	debug          bool
	logFile        string
	reportDir      string
	metricsFile    string
	failurePolicy  string
	cleanupPolicy  string
	sudo           bool
	nativeSSHProbe bool
	libvirtURI     string
	commandTimeout time.Duration
}

func (f *flags) register(set *pflag.FlagSet) {
	set.StringVar(&f.configPath, "config", "", "Path to a YAML config file (env: "+ConfigPathEnvKey+")")
	set.StringVarP(&f.image, "image", "i", "", "Image to use: a path, a file:// URL or an http(s)/ftp simplestreams source (env: "+ImageEnvKey+")")
	set.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	set.StringVarP(&f.logFile, "log-file", "l", DefaultLogFile, "File the logs are appended to")
	set.StringVar(&f.reportDir, "report-dir", "", "Directory receiving JSON and text reports")
	set.StringVar(&f.metricsFile, "metrics-file", "", "File receiving Prometheus metrics in the textfile format")
	set.StringVar(&f.failurePolicy, "failure-policy", string(vmtest.FailureContinue), "What to do after a failed stage: continue or abort")
	set.StringVar(&f.cleanupPolicy, "cleanup-policy", string(vmtest.CleanupAlways), "When to clean up: always or on-create")
	set.BoolVar(&f.sudo, "sudo", false, "Install missing packages with sudo -n")
	set.BoolVar(&f.nativeSSHProbe, "native-ssh-probe", false, "Also check the VM with the built-in SSH client")
	set.StringVar(&f.libvirtURI, "libvirt-uri", "", "libvirt connection URI (env: "+LibvirtURIEnvKey+")")
	set.DurationVar(&f.commandTimeout, "command-timeout", cmdrunner.DefaultTimeout, "Timeout of every external command")
}

// apply overrides config with the flags changed on the command line.
func (f *flags) apply(set *pflag.FlagSet, config *Config) {
	if set.Changed("image") {
		config.Image = f.image
	}
	if set.Changed("debug") {
		config.Debug = ptr.To(f.debug)
	}
	if set.Changed("log-file") {
		config.LogFile = f.logFile
	}
	if set.Changed("report-dir") {
		config.ReportDir = f.reportDir
	}
	if set.Changed("metrics-file") {
		config.MetricsFile = f.metricsFile
	}
	if set.Changed("failure-policy") {
		config.FailurePolicy = f.failurePolicy
	}
	if set.Changed("cleanup-policy") {
		config.CleanupPolicy = f.cleanupPolicy
	}
	if set.Changed("sudo") {
		config.Sudo = ptr.To(f.sudo)
	}
	if set.Changed("native-ssh-probe") {
		config.NativeSSHProbe = ptr.To(f.nativeSSHProbe)
	}
	if set.Changed("libvirt-uri") {
		config.LibvirtURI = f.libvirtURI
	}
	if set.Changed("command-timeout") {
		config.CommandTimeout = f.commandTimeout.String()
	}
}

// Timeout returns the parsed CommandTimeout.
func (c *Config) Timeout() (time.Duration, error) {
	if c.CommandTimeout == "" {
		return cmdrunner.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(c.CommandTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing commandTimeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("commandTimeout must be positive, got %s", d)
	}
	return d, nil
}

// Options validates the configuration and returns the run options.
func (c *Config) Options(workDir string) (vmtest.Options, error) {
	failurePolicy, err := vmtest.ParseFailurePolicy(c.FailurePolicy)
	if err != nil {
		return vmtest.Options{}, err
	}
	cleanupPolicy, err := vmtest.ParseCleanupPolicy(c.CleanupPolicy)
	if err != nil {
		return vmtest.Options{}, err
	}
	if _, err := c.Timeout(); err != nil {
		return vmtest.Options{}, err
	}

	opts := vmtest.Options{
		Image:          c.Image,
		Release:        c.Release,
		Arch:           c.Arch,
		Packages:       c.Packages,
		SSHKeyPath:     c.SSHKeyPath,
		SSHKeyBits:     c.SSHKeyBits,
		SSHUser:        c.SSHUser,
		NativeSSHProbe: ptr.Deref(c.NativeSSHProbe, false),
		WorkDir:        workDir,
		FailurePolicy:  failurePolicy,
		CleanupPolicy:  cleanupPolicy,
	}
	if c.UserData != nil {
		opts.UserData = &vmtest.UserDataOptions{
			Packages:    c.UserData.Packages,
			RunCommands: c.UserData.RunCommands,
		}
	}
	return opts, nil
}

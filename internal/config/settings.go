// Package config loads process settings from the environment and project
// files from disk, and validates both before a build or server starts.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"antivibe/internal/ai"
	"antivibe/internal/orchestrator"
	"antivibe/internal/publish"
)

// Environment constants
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

const (
	MinJWTSecretLength = 32
	DefaultMaxTokens   = 200_000
	DefaultServerAddr  = ":8080"
	DefaultMaxBuilds   = 64
	DefaultBuildRoot   = "builds"

	DefaultBuildsPerMinute = 30
)

// Settings is everything the process reads from its environment. The core
// never reads the environment itself; cmd/antivibe turns Settings into
// explicit options.
type Settings struct {
	Environment string

	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	ReplayDir      string
	RateLimit      float64
	MaxTokens      int
	ThinkingBudget int

	// SpendDSN selects the spend journal: a postgres URL or a sqlite path.
	// Empty disables journaling.
	SpendDSN string

	S3         publish.S3Config
	ArchiveDir string // local archive directory, used when no S3 bucket is set

	ServerAddr   string
	JWTSecret    string
	JWTSecretOld string // accepted during rotation
	MaxBuilds    int
	BuildRoot    string // server builds are written below this directory

	// BuildsPerMinute limits API build submissions per client IP; zero
	// disables the limit.
	BuildsPerMinute int
}

// ValidationError collects every settings problem.
type ValidationError struct {
	Missing  []string
	Invalid  []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing settings: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid settings: %s", strings.Join(e.Invalid, "; ")))
	}
	return "config: " + strings.Join(parts, "; ")
}

// Is lets a ValidationError match orchestrator.ErrConfig.
func (e *ValidationError) Is(target error) bool { return target == orchestrator.ErrConfig }

// HasErrors reports whether anything beyond warnings was found.
func (e *ValidationError) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// FromEnv reads Settings from the process environment. Numbers that fail to
// parse are stored as out-of-range values and surface from Validate.
func FromEnv() Settings {
	provider := strings.ToLower(getEnv("ANTIVIBE_PROVIDER", ai.ProviderClaude))
	s := Settings{
		Environment:    GetEnvironment(),
		Provider:       provider,
		Model:          os.Getenv("ANTIVIBE_MODEL"),
		APIKey:         APIKeyFor(provider),
		BaseURL:        os.Getenv("ANTIVIBE_BASE_URL"),
		ReplayDir:      os.Getenv("ANTIVIBE_REPLAY_DIR"),
		RateLimit:      getEnvFloat("ANTIVIBE_RATE_LIMIT", 0),
		MaxTokens:      getEnvInt("ANTIVIBE_MAX_TOKENS", DefaultMaxTokens),
		ThinkingBudget: getEnvInt("ANTIVIBE_THINKING_BUDGET", 0),
		SpendDSN:       os.Getenv("ANTIVIBE_SPEND_DSN"),
		S3: publish.S3Config{
			Bucket:          os.Getenv("ANTIVIBE_S3_BUCKET"),
			Prefix:          getEnv("ANTIVIBE_S3_PREFIX", "archives"),
			Region:          getEnv("AWS_REGION", "us-east-1"),
			Endpoint:        os.Getenv("ANTIVIBE_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		},
		ArchiveDir:   os.Getenv("ANTIVIBE_ARCHIVE_DIR"),
		ServerAddr:   getEnv("ANTIVIBE_ADDR", DefaultServerAddr),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTSecretOld: os.Getenv("JWT_SECRET_OLD"),
		MaxBuilds:    getEnvInt("ANTIVIBE_MAX_BUILDS", DefaultMaxBuilds),
		BuildRoot:    getEnv("ANTIVIBE_BUILD_ROOT", DefaultBuildRoot),

		BuildsPerMinute: getEnvInt("ANTIVIBE_BUILDS_PER_MINUTE", DefaultBuildsPerMinute),
	}
	return s
}

// APIKeyFor prefers ANTIVIBE_API_KEY and falls back to the provider's
// conventional variable.
func APIKeyFor(provider string) string {
	if key := os.Getenv("ANTIVIBE_API_KEY"); key != "" {
		return ai.NormalizeAPIKey(key)
	}
	var key string
	switch provider {
	case ai.ProviderClaude:
		key = os.Getenv("ANTHROPIC_API_KEY")
	case ai.ProviderGemini:
		key = getEnv("GEMINI_API_KEY", os.Getenv("GOOGLE_API_KEY"))
	}
	return ai.NormalizeAPIKey(key)
}

// IsProduction reports whether the settings were read in production.
func (s Settings) IsProduction() bool {
	return s.Environment == EnvProduction || s.Environment == "prod"
}

// Options converts the settings into build options. Orchestration tunables
// keep their defaults.
func (s Settings) Options() orchestrator.Options {
	return orchestrator.Options{
		APIKey:         s.APIKey,
		MaxTokens:      s.MaxTokens,
		ThinkingBudget: s.ThinkingBudget,
		Provider:       s.Provider,
		Model:          s.Model,
		BaseURL:        s.BaseURL,
		ReplayDir:      s.ReplayDir,
		RateLimit:      s.RateLimit,
	}
}

// Validate checks the settings a build needs. Warnings are returned even
// when err is nil.
func (s Settings) Validate() ([]string, error) {
	return finish(s.check(false))
}

// ValidateServer checks the build settings plus the API server settings.
// In production and staging the JWT secret is required.
func (s Settings) ValidateServer() ([]string, error) {
	return finish(s.check(true))
}

func finish(v *ValidationError) ([]string, error) {
	if v.HasErrors() {
		return v.Warnings, v
	}
	return v.Warnings, nil
}

func (s Settings) check(server bool) *ValidationError {
	v := &ValidationError{}
	strict := s.IsProduction() || s.Environment == EnvStaging || s.Environment == "stage"

	switch s.Provider {
	case ai.ProviderClaude, ai.ProviderGemini:
		if s.APIKey == "" {
			v.Missing = append(v.Missing, "ANTIVIBE_API_KEY")
		} else if err := ai.CheckAPIKey(s.Provider, s.APIKey); err != nil {
			v.Invalid = append(v.Invalid, err.Error())
		}
	case ai.ProviderReplay:
		if s.ReplayDir == "" {
			v.Warnings = append(v.Warnings, "replay provider without ANTIVIBE_REPLAY_DIR; responses must be injected")
		}
	default:
		v.Invalid = append(v.Invalid, fmt.Sprintf("ANTIVIBE_PROVIDER: unknown provider %q", s.Provider))
	}
	if s.MaxTokens <= 0 {
		v.Invalid = append(v.Invalid, fmt.Sprintf("ANTIVIBE_MAX_TOKENS: must be positive, got %d", s.MaxTokens))
	}
	if s.ThinkingBudget < 0 {
		v.Invalid = append(v.Invalid, "ANTIVIBE_THINKING_BUDGET: must not be negative")
	} else if s.Provider == ai.ProviderClaude && s.ThinkingBudget > 0 && s.ThinkingBudget < ai.MinClaudeThinkingBudget {
		v.Invalid = append(v.Invalid, fmt.Sprintf("ANTIVIBE_THINKING_BUDGET: claude needs 0 or at least %d, got %d", ai.MinClaudeThinkingBudget, s.ThinkingBudget))
	}
	if s.RateLimit < 0 || math.IsNaN(s.RateLimit) {
		v.Invalid = append(v.Invalid, "ANTIVIBE_RATE_LIMIT: must not be negative")
	}
	if s.S3.Bucket != "" && s.ArchiveDir != "" {
		v.Warnings = append(v.Warnings, "both ANTIVIBE_S3_BUCKET and ANTIVIBE_ARCHIVE_DIR set; archiving to S3")
	}

	if !server {
		return v
	}
	if s.MaxBuilds <= 0 {
		v.Invalid = append(v.Invalid, fmt.Sprintf("ANTIVIBE_MAX_BUILDS: must be positive, got %d", s.MaxBuilds))
	}
	if s.BuildsPerMinute < 0 {
		v.Invalid = append(v.Invalid, "ANTIVIBE_BUILDS_PER_MINUTE: must not be negative")
	}
	if s.BuildRoot == "" {
		v.Missing = append(v.Missing, "ANTIVIBE_BUILD_ROOT")
	}
	switch {
	case s.JWTSecret == "" && strict:
		v.Missing = append(v.Missing, "JWT_SECRET")
	case s.JWTSecret == "":
		v.Warnings = append(v.Warnings, "JWT_SECRET not set; the API accepts unauthenticated requests (NOT SECURE FOR PRODUCTION)")
	default:
		problems := jwtSecretProblems(s.JWTSecret)
		for _, p := range problems {
			if strict {
				v.Invalid = append(v.Invalid, "JWT_SECRET: "+p)
			} else {
				v.Warnings = append(v.Warnings, "JWT_SECRET: "+p+" (allowed outside production)")
			}
		}
	}
	return v
}

// LogWarnings logs validation warnings once at startup.
func LogWarnings(logger *zap.Logger, warnings []string) {
	for _, w := range warnings {
		logger.Warn("configuration warning", zap.String("warning", w))
	}
}

// GetEnvironment returns the current environment name, lower-cased.
func GetEnvironment() string {
	for _, key := range []string{"ANTIVIBE_ENV", "ENVIRONMENT", "ENV"} {
		if env := os.Getenv(key); env != "" {
			return strings.ToLower(env)
		}
	}
	return EnvDevelopment
}

// --- Secret checks ---

var weakSecrets = []string{
	"secret",
	"jwt-secret",
	"jwt_secret",
	"your-secret",
	"changeme",
	"password",
	"example",
	"default",
	"placeholder",
	"replace-me",
	"antivibe",
}

// jwtSecretProblems lists why secret is unfit for signing tokens.
func jwtSecretProblems(secret string) []string {
	var out []string
	if len(secret) < MinJWTSecretLength {
		out = append(out, fmt.Sprintf("too short (%d chars, need %d+)", len(secret), MinJWTSecretLength))
	}
	if err := validateJWTSecret(secret); err != nil {
		out = append(out, err.Error())
	}
	return out
}

func validateJWTSecret(secret string) error {
	lower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("contains weak/placeholder value %q", weak)
		}
	}

	allAlpha, allDigit := true, true
	for _, c := range secret {
		if !unicode.IsLetter(c) {
			allAlpha = false
		}
		if !unicode.IsDigit(c) {
			allDigit = false
		}
	}
	if allAlpha {
		return errors.New("must contain non-alphabetic characters for sufficient entropy")
	}
	if allDigit {
		return errors.New("must contain non-numeric characters for sufficient entropy")
	}

	if entropy := shannonEntropy(secret); entropy < 3.0 {
		return fmt.Errorf("entropy too low (%.1f bits/char, need >= 3.0)", entropy)
	}
	if hasRepeatingPattern(secret) {
		return errors.New("appears to contain a repeating pattern")
	}
	return nil
}

// shannonEntropy calculates Shannon entropy in bits per character.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]float64)
	for _, c := range s {
		freq[c]++
	}
	length := float64(len([]rune(s)))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// hasRepeatingPattern detects whole-string repetition such as "abcabc".
func hasRepeatingPattern(s string) bool {
	n := len(s)
	if n < 6 {
		return false
	}
	for patLen := 1; patLen <= n/2; patLen++ {
		pattern := s[:patLen]
		isRepeat := true
		for i := patLen; i < n; i++ {
			if s[i] != pattern[i%patLen] {
				isRepeat = false
				break
			}
		}
		if isRepeat {
			return true
		}
	}
	return false
}

// --- Env helpers ---

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.ReplaceAll(v, "_", ""))
	if err != nil {
		return -1
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

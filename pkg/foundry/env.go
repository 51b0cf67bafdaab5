package foundry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// DatasetRef identifies a dataset RID and branch.
type DatasetRef struct {
	RID    string
	Branch string
}

// Env is the runtime configuration for Foundry mode.
type Env struct {
	Services Services
	// DefaultCAPath is a PEM bundle to trust for TLS (DEFAULT_CA_PATH).
	DefaultCAPath string
	Token         string
	Aliases       map[string]DatasetRef
}

// LoadEnv reads Foundry-mode configuration from the environment.
//
// Required:
//   - FOUNDRY_SERVICE_DISCOVERY_V2 (file path) or FOUNDRY_URL
//   - BUILD2_TOKEN (file path)
//   - RESOURCE_ALIAS_MAP (file path)
func LoadEnv() (Env, error) {
	services, err := loadServicesFromEnv()
	if err != nil {
		return Env{}, err
	}
	token, err := readFileEnv("BUILD2_TOKEN")
	if err != nil {
		return Env{}, err
	}
	aliasPath := strings.TrimSpace(os.Getenv("RESOURCE_ALIAS_MAP"))
	if aliasPath == "" {
		return Env{}, fmt.Errorf("RESOURCE_ALIAS_MAP is required")
	}
	b, err := os.ReadFile(aliasPath)
	if err != nil {
		return Env{}, fmt.Errorf("read RESOURCE_ALIAS_MAP file: %w", err)
	}
	aliases, err := ParseAliasMap(b)
	if err != nil {
		return Env{}, fmt.Errorf("RESOURCE_ALIAS_MAP: %w", err)
	}

	return Env{
		Services:      services,
		DefaultCAPath: strings.TrimSpace(os.Getenv("DEFAULT_CA_PATH")),
		Token:         token,
		Aliases:       aliases,
	}, nil
}

// Dataset resolves an alias, defaulting the branch to DefaultBranch.
func (e Env) Dataset(alias string) (DatasetRef, error) {
	ref, ok := e.Aliases[alias]
	if !ok {
		known := make([]string, 0, len(e.Aliases))
		for k := range e.Aliases {
			known = append(known, k)
		}
		sort.Strings(known)
		return DatasetRef{}, fmt.Errorf("missing alias %q in RESOURCE_ALIAS_MAP (have %s)", alias, strings.Join(known, ", "))
	}
	ref.Branch = branchOrDefault(ref.Branch)
	return ref, nil
}

func loadServicesFromEnv() (Services, error) {
	if p := strings.TrimSpace(os.Getenv("FOUNDRY_SERVICE_DISCOVERY_V2")); p != "" {
		return loadServicesFromDiscoveryFile(p)
	}

	foundryURL := strings.TrimSpace(os.Getenv("FOUNDRY_URL"))
	if foundryURL == "" {
		return Services{}, fmt.Errorf("FOUNDRY_SERVICE_DISCOVERY_V2 or FOUNDRY_URL is required")
	}
	if !strings.Contains(foundryURL, "://") {
		foundryURL = "https://" + foundryURL
	}
	return Services{APIGateway: strings.TrimRight(foundryURL, "/") + "/api"}, nil
}

func readFileEnv(varName string) (string, error) {
	path := strings.TrimSpace(os.Getenv(varName))
	if path == "" {
		return "", fmt.Errorf("%s is required", varName)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s file: %w", varName, err)
	}
	return strings.TrimSpace(string(b)), nil
}

type aliasEntry struct {
	RID    string  `json:"rid"`
	Branch *string `json:"branch"`
}

// ParseAliasMap decodes the RESOURCE_ALIAS_MAP JSON document: {"alias": {"rid": "...", "branch": "..."}}.
func ParseAliasMap(b []byte) (map[string]DatasetRef, error) {
	var raw map[string]aliasEntry
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse alias map JSON: %w", err)
	}
	out := make(map[string]DatasetRef, len(raw))
	for k, v := range raw {
		if strings.TrimSpace(v.RID) == "" {
			return nil, fmt.Errorf("alias %q: rid is required", k)
		}
		ref := DatasetRef{RID: strings.TrimSpace(v.RID)}
		if v.Branch != nil {
			ref.Branch = strings.TrimSpace(*v.Branch)
		}
		out[k] = ref
	}
	return out, nil
}

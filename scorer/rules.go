// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package scorer

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Rule is one scoring entry.
type Rule struct {
	Score     int    `yaml:"score"`
	Technique string `yaml:"technique"`
	Detail    string `yaml:"description"`
}

// RuleSet holds the scoring tables.  The built-in set can be overlaid from
// a YAML file so operators can extend it without rebuilding.
type RuleSet struct {
	// Hosts matches substrings of network destinations.
	Hosts map[string]Rule `yaml:"hosts"`

	// Syscalls matches traced syscall names exactly.
	Syscalls map[string]Rule `yaml:"syscalls"`

	// Paths matches substrings of touched file paths.
	Paths map[string]Rule `yaml:"paths"`

	// SuspiciousTLDs score DNS lookups of throwaway domains.
	SuspiciousTLDs []string `yaml:"suspicious_tlds"`
	TLDScore       int      `yaml:"tld_score"`
	TLDTechnique   string   `yaml:"tld_technique"`
}

// DefaultRules returns the built-in scoring tables.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Hosts: map[string]Rule{
			"api.telegram.org":          {Score: 20, Technique: "T1102", Detail: "Telegram Bot API (C2)"},
			"discord.com":               {Score: 15, Technique: "T1102", Detail: "Discord (exfiltration)"},
			"pastebin.com":              {Score: 15, Technique: "T1102", Detail: "Pastebin (payload)"},
			"raw.githubusercontent.com": {Score: 10, Technique: "T1105", Detail: "GitHub raw (tool transfer)"},
			"ipinfo.io":                 {Score: 10, Technique: "T1016", Detail: "IP geolocation"},
			"ip-api.com":                {Score: 10, Technique: "T1016", Detail: "IP geolocation"},
		},
		Syscalls: map[string]Rule{
			"ptrace":      {Score: 20, Technique: "T1055.008", Detail: "process injection"},
			"execve":      {Score: 10, Technique: "T1059", Detail: "program execution"},
			"connect":     {Score: 10, Technique: "T1071", Detail: "network connect"},
			"bind":        {Score: 10, Technique: "T1071", Detail: "network bind"},
			"setuid":      {Score: 30, Technique: "T1548", Detail: "privilege escalation"},
			"setreuid":    {Score: 30, Technique: "T1548", Detail: "privilege escalation"},
			"setgid":      {Score: 25, Technique: "T1548", Detail: "privilege escalation"},
			"init_module": {Score: 25, Technique: "T1547.006", Detail: "kernel module load"},
			"mprotect":    {Score: 10, Technique: "T1055", Detail: "memory protection change"},
		},
		Paths: map[string]Rule{
			"/etc/shadow": {Score: 20, Technique: "T1003", Detail: "shadow file access"},
			"/etc/passwd": {Score: 20, Technique: "T1003", Detail: "passwd file access"},
			"/.ssh/":      {Score: 15, Technique: "T1552.004", Detail: "SSH key access"},
		},
		SuspiciousTLDs: []string{
			".shop", ".fun", ".xyz", ".top", ".club", ".online", ".site",
			".work", ".click", ".link", ".gq", ".ml", ".cf", ".tk", ".ga", ".pw",
		},
		TLDScore:     15,
		TLDTechnique: "T1071.004",
	}
}

// LoadRules reads a YAML overlay and merges it over the built-in tables.
// Entries present in the file replace built-in entries of the same key;
// everything else keeps its default.
func LoadRules(path string) (*RuleSet, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading rules file %s", path)
	}

	var overlay RuleSet
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, errors.Wrapf(err, "parsing rules file %s", path)
	}

	for k, v := range overlay.Hosts {
		rules.Hosts[k] = v
	}
	for k, v := range overlay.Syscalls {
		rules.Syscalls[k] = v
	}
	for k, v := range overlay.Paths {
		rules.Paths[k] = v
	}
	if len(overlay.SuspiciousTLDs) > 0 {
		rules.SuspiciousTLDs = overlay.SuspiciousTLDs
	}
	if overlay.TLDScore > 0 {
		rules.TLDScore = overlay.TLDScore
	}
	if overlay.TLDTechnique != "" {
		rules.TLDTechnique = overlay.TLDTechnique
	}

	return rules, nil
}

// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package scorer folds a detonation report and the static evidence into a
// single verdict.  Scoring is a pure, deterministic function of its inputs:
// the same report and rule set always yield the same verdict, score and
// technique tags.
package scorer

import (
	"fmt"
	"strings"

	"github.com/detonator-project/detonator/pkg/agent"
)

// Verdict is the final label for a sample.
type Verdict string

// Verdicts.
const (
	VerdictClean      Verdict = "CLEAN"
	VerdictSuspicious Verdict = "SUSPICIOUS"
	VerdictMalicious  Verdict = "MALICIOUS"
	VerdictError      Verdict = "ERROR"
)

// MaxScore caps the accumulated threat score.
const MaxScore = 100

// Thresholds are the verdict boundaries: score <= Clean is CLEAN,
// score <= Suspicious is SUSPICIOUS, anything above is MALICIOUS.
type Thresholds struct {
	Clean      int
	Suspicious int
}

// DefaultThresholds are used when configuration provides none.
var DefaultThresholds = Thresholds{Clean: 20, Suspicious: 50}

// Finding is one piece of scored evidence.  Static engines (YARA, ELF
// inspection, script rules) hand their contributions to Score in this
// shape; their scores are additive with the runtime evidence.
type Finding struct {
	// Source tags where the evidence came from: "network", "syscall",
	// "file", "yara", "elf", "script".
	Source string

	// Detail is a human-readable statement of what matched.
	Detail string

	// Score is the increment this finding contributes.
	Score int

	// Technique is the attack-technique tag, empty when none applies.
	Technique string
}

// Result is the scorer's output.
type Result struct {
	Verdict    Verdict
	Score      int
	Techniques []string
	Findings   []Finding
}

// Score evaluates a report against the rule set and merges in static
// findings.  A nil or empty report with no static evidence is CLEAN with
// score zero.
func Score(report *agent.Report, static []Finding, rules *RuleSet, thresholds Thresholds) Result {
	if rules == nil {
		rules = DefaultRules()
	}

	var findings []Finding
	findings = append(findings, static...)

	if report != nil {
		findings = append(findings, networkFindings(report.Network, rules)...)
		findings = append(findings, syscallFindings(report.Syscalls, rules)...)
		findings = append(findings, fileFindings(report.Files, rules)...)
	}

	score := 0
	var techniques []string
	seen := map[string]bool{}
	for _, f := range findings {
		score += f.Score
		if f.Technique != "" && !seen[f.Technique] {
			seen[f.Technique] = true
			techniques = append(techniques, f.Technique)
		}
	}
	if score > MaxScore {
		score = MaxScore
	}

	return Result{
		Verdict:    verdictFor(score, thresholds),
		Score:      score,
		Techniques: techniques,
		Findings:   findings,
	}
}

func verdictFor(score int, t Thresholds) Verdict {
	switch {
	case score <= t.Clean:
		return VerdictClean
	case score <= t.Suspicious:
		return VerdictSuspicious
	default:
		return VerdictMalicious
	}
}

func networkFindings(events []agent.NetworkEvent, rules *RuleSet) []Finding {
	var findings []Finding
	seenDst := map[string]bool{}

	for _, ev := range events {
		dst := strings.ToLower(ev.DstAddr)
		if dst == "" || seenDst[dst] {
			continue
		}
		seenDst[dst] = true

		matched := false
		for host, rule := range rules.Hosts {
			if strings.Contains(dst, host) {
				findings = append(findings, Finding{
					Source:    "network",
					Detail:    fmt.Sprintf("%s: %s:%d", rule.Detail, ev.DstAddr, ev.DstPort),
					Score:     rule.Score,
					Technique: rule.Technique,
				})
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		// Domains only: resolver addresses never end in a known TLD.
		for _, tld := range rules.SuspiciousTLDs {
			if strings.HasSuffix(dst, tld) {
				findings = append(findings, Finding{
					Source:    "network",
					Detail:    "suspicious TLD: " + dst,
					Score:     rules.TLDScore,
					Technique: rules.TLDTechnique,
				})
				break
			}
		}
	}
	return findings
}

func syscallFindings(events []agent.SyscallEvent, rules *RuleSet) []Finding {
	var findings []Finding
	for _, ev := range events {
		if rule, ok := rules.Syscalls[ev.Syscall]; ok {
			findings = append(findings, Finding{
				Source:    "syscall",
				Detail:    fmt.Sprintf("%s: %s", rule.Detail, ev.Syscall),
				Score:     rule.Score,
				Technique: rule.Technique,
			})
		}
	}
	return findings
}

func fileFindings(events []agent.FileEvent, rules *RuleSet) []Finding {
	var findings []Finding
	for _, ev := range events {
		for fragment, rule := range rules.Paths {
			if strings.Contains(ev.Path, fragment) {
				findings = append(findings, Finding{
					Source:    "file",
					Detail:    fmt.Sprintf("%s: %s (%s)", rule.Detail, ev.Path, ev.Op),
					Score:     rule.Score,
					Technique: rule.Technique,
				})
				break
			}
		}
	}
	return findings
}

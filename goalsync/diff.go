// ABOUTME: Pure three-way-diff helpers that turn two config snapshots into
// ABOUTME: human-readable change rows, partitioned per platform.
package goalsync

import (
	"fmt"
	"sort"
	"strings"
)

// DiffRow is one human-diffable difference between two snapshots.
type DiffRow struct {
	SettingName   string
	LocalDisplay  string
	RemoteDisplay string
	Section       string
}

// DiffSections partitions rows per platform so a UI can show tabs. A section
// is empty exactly when its namespace has no reportable difference.
type DiffSections struct {
	Endowus []DiffRow
	FSM     []DiffRow
}

// DiffLookups carries optional display-name maps. Missing entries fall back
// to the bare goal id or instrument code.
type DiffLookups struct {
	GoalNames    map[string]string
	HoldingNames map[string]string
}

const (
	sectionEndowus = "endowus"
	sectionFSM     = "fsm"
)

// BuildConflictDiffSections compares two snapshots and groups the resulting
// rows per platform namespace.
func BuildConflictDiffSections(local, remote *V2Document, lookups DiffLookups) DiffSections {
	return DiffSections{
		Endowus: diffEndowus(local.Platforms.Endowus, remote.Platforms.Endowus, lookups),
		FSM:     diffFSM(local.Platforms.FSM, remote.Platforms.FSM, lookups),
	}
}

// BuildConflictDiffRows returns every reportable difference as one flat
// ordered list, Endowus rows first.
func BuildConflictDiffRows(local, remote *V2Document, lookups DiffLookups) []DiffRow {
	sections := BuildConflictDiffSections(local, remote, lookups)
	rows := make([]DiffRow, 0, len(sections.Endowus)+len(sections.FSM))
	rows = append(rows, sections.Endowus...)
	return append(rows, sections.FSM...)
}

func diffEndowus(local, remote EndowusConfig, lookups DiffLookups) []DiffRow {
	var rows []DiffRow
	for _, goalID := range unionKeys(
		floatKeys(local.GoalTargets), floatKeys(remote.GoalTargets),
		boolKeys(local.GoalFixed), boolKeys(remote.GoalFixed),
	) {
		name := displayName(lookups.GoalNames, goalID)
		rows = append(rows, diffTargetAndFixed(
			name, sectionEndowus,
			local.GoalTargets, remote.GoalTargets,
			local.GoalFixed, remote.GoalFixed,
			goalID,
		)...)
	}
	return rows
}

func diffFSM(local, remote FSMConfig, lookups DiffLookups) []DiffRow {
	var rows []DiffRow

	for _, code := range unionKeys(
		floatKeys(local.TargetsByCode), floatKeys(remote.TargetsByCode),
		boolKeys(local.FixedByCode), boolKeys(remote.FixedByCode),
		stringKeys(local.TagsByCode), stringKeys(remote.TagsByCode),
	) {
		name := displayName(lookups.HoldingNames, code)
		rows = append(rows, diffTargetAndFixed(
			name, sectionFSM,
			local.TargetsByCode, remote.TargetsByCode,
			local.FixedByCode, remote.FixedByCode,
			code,
		)...)

		localTag, remoteTag := local.TagsByCode[code], remote.TagsByCode[code]
		if localTag != remoteTag {
			rows = append(rows, DiffRow{
				SettingName:   name + " tag",
				LocalDisplay:  displayText(localTag),
				RemoteDisplay: displayText(remoteTag),
				Section:       sectionFSM,
			})
		}
	}

	if !sameStrings(local.TagCatalog, remote.TagCatalog) {
		rows = append(rows, DiffRow{
			SettingName:   "Tag catalog",
			LocalDisplay:  displayText(strings.Join(local.TagCatalog, ", ")),
			RemoteDisplay: displayText(strings.Join(remote.TagCatalog, ", ")),
			Section:       sectionFSM,
		})
	}

	for _, name := range unionKeys(floatKeys(local.DriftSettings), floatKeys(remote.DriftSettings)) {
		lv, lok := local.DriftSettings[name]
		rv, rok := remote.DriftSettings[name]
		if lok == rok && lv == rv {
			continue
		}
		rows = append(rows, DiffRow{
			SettingName:   "Drift " + name,
			LocalDisplay:  formatNumber(lv, lok),
			RemoteDisplay: formatNumber(rv, rok),
			Section:       sectionFSM,
		})
	}

	// Any change to the portfolio list as a whole is one row; assignment
	// changes are reported per affected code.
	if !samePortfolios(local.Portfolios, remote.Portfolios) {
		rows = append(rows, DiffRow{
			SettingName:   "Portfolios",
			LocalDisplay:  describePortfolios(local.Portfolios),
			RemoteDisplay: describePortfolios(remote.Portfolios),
			Section:       sectionFSM,
		})
	}

	for _, code := range unionKeys(stringKeys(local.AssignmentByCode), stringKeys(remote.AssignmentByCode)) {
		localID := assignmentOf(local.AssignmentByCode, code)
		remoteID := assignmentOf(remote.AssignmentByCode, code)
		if localID == remoteID {
			continue
		}
		rows = append(rows, DiffRow{
			SettingName:   displayName(lookups.HoldingNames, code) + " portfolio",
			LocalDisplay:  portfolioDisplay(local.Portfolios, localID),
			RemoteDisplay: portfolioDisplay(remote.Portfolios, remoteID),
			Section:       sectionFSM,
		})
	}

	return rows
}

// diffTargetAndFixed applies the shared target/fixed comparison rule: a
// target difference is reported only when the id is not fixed on either
// side (fixed targets are not actionable), while a fixed-flag difference is
// always reported on its own row.
func diffTargetAndFixed(name, section string, localTargets, remoteTargets map[string]float64, localFixed, remoteFixed map[string]bool, id string) []DiffRow {
	var rows []DiffRow

	lv, lok := localTargets[id]
	rv, rok := remoteTargets[id]
	targetDiffers := lok != rok || lv != rv
	if targetDiffers && !localFixed[id] && !remoteFixed[id] {
		rows = append(rows, DiffRow{
			SettingName:   name + " target",
			LocalDisplay:  formatPercent(lv, lok),
			RemoteDisplay: formatPercent(rv, rok),
			Section:       section,
		})
	}

	if localFixed[id] != remoteFixed[id] {
		rows = append(rows, DiffRow{
			SettingName:   name + " fixed",
			LocalDisplay:  formatBool(localFixed[id]),
			RemoteDisplay: formatBool(remoteFixed[id]),
			Section:       section,
		})
	}
	return rows
}

func formatPercent(v float64, present bool) string {
	if !present {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", v)
}

func formatNumber(v float64, present bool) string {
	if !present {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}

func formatBool(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func displayText(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func displayName(names map[string]string, id string) string {
	if n, ok := names[id]; ok && n != "" {
		return n
	}
	return id
}

func assignmentOf(m map[string]string, code string) string {
	if id, ok := m[code]; ok && id != "" {
		return id
	}
	return UnassignedPortfolio
}

func portfolioDisplay(ps []Portfolio, id string) string {
	if id == UnassignedPortfolio {
		return "Unassigned"
	}
	for _, p := range ps {
		if p.ID == id {
			return p.Name
		}
	}
	return id
}

func describePortfolios(ps []Portfolio) string {
	if len(ps) == 0 {
		return "-"
	}
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
		if p.Archived {
			names[i] += " (archived)"
		}
	}
	return strings.Join(names, ", ")
}

func samePortfolios(a, b []Portfolio) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func floatKeys(m map[string]float64) []string { return mapKeys(m) }
func boolKeys(m map[string]bool) []string     { return mapKeys(m) }
func stringKeys(m map[string]string) []string { return mapKeys(m) }

func mapKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func unionKeys(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

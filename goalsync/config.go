// ABOUTME: Versioned preference document: collection from storage, application
// ABOUTME: back into storage, and v1→v2 legacy migration.
package goalsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EndowusConfig is the goal-keyed preference namespace.
type EndowusConfig struct {
	GoalTargets map[string]float64 `json:"goalTargets"`
	GoalFixed   map[string]bool    `json:"goalFixed"`
	Timestamp   int64              `json:"timestamp"`
}

// FSMConfig is the instrument-code-keyed preference namespace.
type FSMConfig struct {
	TargetsByCode    map[string]float64 `json:"targetsByCode"`
	FixedByCode      map[string]bool    `json:"fixedByCode"`
	TagsByCode       map[string]string  `json:"tagsByCode"`
	TagCatalog       []string           `json:"tagCatalog"`
	DriftSettings    map[string]float64 `json:"driftSettings"`
	Portfolios       []Portfolio        `json:"portfolios"`
	AssignmentByCode map[string]string  `json:"assignmentByCode"`
	Timestamp        int64              `json:"timestamp"`
}

// Platforms groups the per-platform namespaces of a v2 document.
type Platforms struct {
	Endowus EndowusConfig `json:"endowus"`
	FSM     FSMConfig     `json:"fsm"`
}

// ConfigDocument is the tagged union of supported document versions. Every
// collect/apply/diff site dispatches on the concrete type; unknown versions
// are rejected at parse time, never duck-typed.
type ConfigDocument interface {
	DocumentVersion() int
}

// V1Document is the legacy flat shape. Wherever encountered on apply it is
// treated as Endowus-only data and migrated; it is never the write format.
type V1Document struct {
	Version     int                `json:"version"`
	GoalTargets map[string]float64 `json:"goalTargets"`
	GoalFixed   map[string]bool    `json:"goalFixed"`
	Timestamp   int64              `json:"timestamp"`
}

func (*V1Document) DocumentVersion() int { return 1 }

// V2Document is the namespaced-by-platform shape and the only write format.
type V2Document struct {
	Version   int       `json:"version"`
	Platforms Platforms `json:"platforms"`
	Timestamp int64     `json:"timestamp"`
}

func (*V2Document) DocumentVersion() int { return 2 }

// ParseConfigDocument decodes a JSON preference document into the matching
// variant. Unknown versions are an explicit error.
func ParseConfigDocument(data []byte) (ConfigDocument, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse config document: %w", err)
	}
	switch probe.Version {
	case 1:
		var doc V1Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse v1 config document: %w", err)
		}
		return &doc, nil
	case 2:
		var doc V2Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse v2 config document: %w", err)
		}
		return &doc, nil
	default:
		return nil, fmt.Errorf("unsupported config document version %d", probe.Version)
	}
}

// MigrateV1 lifts a legacy flat document into the v2 Endowus namespace. The
// FSM namespace starts empty.
func MigrateV1(doc *V1Document) *V2Document {
	return &V2Document{
		Version: 2,
		Platforms: Platforms{
			Endowus: EndowusConfig{
				GoalTargets: doc.GoalTargets,
				GoalFixed:   doc.GoalFixed,
				Timestamp:   doc.Timestamp,
			},
		},
		Timestamp: doc.Timestamp,
	}
}

// CollectConfig snapshots every persisted preference key into a v2 document.
// Targets of fixed goals/codes are omitted: the fixed flag wins precedence
// over a stale numeric target, in both display and sync. Assignments
// referencing portfolios absent from the current list come out normalized to
// UnassignedPortfolio.
func CollectConfig(st Storage) (*V2Document, error) {
	now := time.Now().UnixMilli()

	endowus := EndowusConfig{
		GoalTargets: map[string]float64{},
		GoalFixed:   map[string]bool{},
		Timestamp:   now,
	}
	fixedGoals, err := collectFlags(st, KeyGoalFixedPrefix)
	if err != nil {
		return nil, err
	}
	endowus.GoalFixed = fixedGoals
	if err := collectTargets(st, KeyGoalTargetPrefix, fixedGoals, endowus.GoalTargets); err != nil {
		return nil, err
	}

	fsm := FSMConfig{
		TargetsByCode:    map[string]float64{},
		FixedByCode:      map[string]bool{},
		TagsByCode:       map[string]string{},
		DriftSettings:    map[string]float64{},
		AssignmentByCode: map[string]string{},
		Timestamp:        now,
	}
	fixedCodes, err := collectFlags(st, KeyFSMFixedPrefix)
	if err != nil {
		return nil, err
	}
	fsm.FixedByCode = fixedCodes
	if err := collectTargets(st, KeyFSMTargetPrefix, fixedCodes, fsm.TargetsByCode); err != nil {
		return nil, err
	}

	tagCodes, err := keysWithPrefix(st, KeyFSMTagPrefix)
	if err != nil {
		return nil, err
	}
	for _, code := range tagCodes {
		// fsm_tag_catalog shares the fsm_tag_ prefix but is not a per-code tag.
		if KeyFSMTagPrefix+code == KeyFSMTagCatalog {
			continue
		}
		if tag, ok, err := st.Get(fsmTagKey(code)); err != nil {
			return nil, err
		} else if ok && tag != "" {
			fsm.TagsByCode[code] = tag
		}
	}

	if fsm.TagCatalog, err = TagCatalog(st); err != nil {
		return nil, err
	}
	if fsm.Portfolios, err = Portfolios(st); err != nil {
		return nil, err
	}
	if fsm.AssignmentByCode, err = Assignments(st); err != nil {
		return nil, err
	}

	driftNames, err := keysWithPrefix(st, KeyFSMDriftPrefix)
	if err != nil {
		return nil, err
	}
	for _, name := range driftNames {
		if v, err := DriftSetting(st, name); err == nil {
			fsm.DriftSettings[name] = v
		}
	}

	return &V2Document{
		Version:   2,
		Platforms: Platforms{Endowus: endowus, FSM: fsm},
		Timestamp: now,
	}, nil
}

// ApplyConfig writes a document back into storage, replacing each platform
// namespace wholesale so a downloaded snapshot collects back to the same
// content hash. V1 documents populate only the Endowus namespace.
func ApplyConfig(st Storage, doc ConfigDocument) error {
	switch d := doc.(type) {
	case *V1Document:
		return applyEndowus(st, EndowusConfig{
			GoalTargets: d.GoalTargets,
			GoalFixed:   d.GoalFixed,
			Timestamp:   d.Timestamp,
		})
	case *V2Document:
		if err := applyEndowus(st, d.Platforms.Endowus); err != nil {
			return err
		}
		return applyFSM(st, d.Platforms.FSM)
	default:
		return fmt.Errorf("unsupported config document version %d", doc.DocumentVersion())
	}
}

func applyEndowus(st Storage, cfg EndowusConfig) error {
	if err := deleteFamily(st, KeyGoalTargetPrefix, KeyGoalFixedPrefix); err != nil {
		return err
	}
	for goalID, fixed := range cfg.GoalFixed {
		if fixed {
			if err := st.Set(goalFixedKey(goalID), "true"); err != nil {
				return err
			}
		}
	}
	for goalID, pct := range cfg.GoalTargets {
		if cfg.GoalFixed[goalID] {
			continue
		}
		if err := st.Set(goalTargetKey(goalID), strconv.FormatFloat(pct, 'f', -1, 64)); err != nil {
			return err
		}
	}
	return nil
}

func applyFSM(st Storage, cfg FSMConfig) error {
	err := deleteFamily(st, KeyFSMTargetPrefix, KeyFSMFixedPrefix, KeyFSMTagPrefix, KeyFSMDriftPrefix)
	if err != nil {
		return err
	}
	if err := st.Delete(KeyFSMTagCatalog, KeyFSMPortfolios, KeyFSMAssignmentByCode); err != nil {
		return err
	}

	for code, fixed := range cfg.FixedByCode {
		if fixed {
			if err := st.Set(fsmFixedKey(code), "true"); err != nil {
				return err
			}
		}
	}
	for code, pct := range cfg.TargetsByCode {
		if err := st.Set(fsmTargetKey(code), strconv.FormatFloat(pct, 'f', -1, 64)); err != nil {
			return err
		}
	}
	for code, tag := range cfg.TagsByCode {
		if tag == "" {
			continue
		}
		if err := st.Set(fsmTagKey(code), tag); err != nil {
			return err
		}
	}
	for name, v := range cfg.DriftSettings {
		if err := SetDriftSetting(st, name, v); err != nil {
			return err
		}
	}
	if len(cfg.TagCatalog) > 0 {
		if err := SetTagCatalog(st, cfg.TagCatalog); err != nil {
			return err
		}
	}
	if len(cfg.Portfolios) > 0 {
		if err := SetPortfolios(st, cfg.Portfolios); err != nil {
			return err
		}
	}
	if len(cfg.AssignmentByCode) > 0 {
		if err := setJSON(st, KeyFSMAssignmentByCode, normalizeAssignments(cfg.AssignmentByCode, cfg.Portfolios)); err != nil {
			return err
		}
	}
	return nil
}

func collectFlags(st Storage, prefix string) (map[string]bool, error) {
	out := map[string]bool{}
	ids, err := keysWithPrefix(st, prefix)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if v, ok, err := st.Get(prefix + id); err != nil {
			return nil, err
		} else if ok && v == "true" {
			out[id] = true
		}
	}
	return out, nil
}

func collectTargets(st Storage, prefix string, fixed map[string]bool, out map[string]float64) error {
	ids, err := keysWithPrefix(st, prefix)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if fixed[id] {
			continue
		}
		v, ok, err := st.Get(prefix + id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[id] = f
		}
	}
	return nil
}

func deleteFamily(st Storage, prefixes ...string) error {
	all, err := st.Keys()
	if err != nil {
		return err
	}
	var doomed []string
	for _, k := range all {
		for _, p := range prefixes {
			if len(k) >= len(p) && k[:len(p)] == p {
				doomed = append(doomed, k)
				break
			}
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	return st.Delete(doomed...)
}

// ConfigContentHash digests a v2 document with all timestamps zeroed, so two
// devices holding identical preferences hash identically regardless of when
// each collected its snapshot. Nil and empty collections are normalized to
// one encoding: an empty tag catalog must hash the same whether it was never
// created or emptied by deleting the last tag.
func ConfigContentHash(doc *V2Document) (string, error) {
	clone := *doc
	clone.Timestamp = 0
	clone.Platforms.Endowus.Timestamp = 0
	clone.Platforms.FSM.Timestamp = 0
	normalizeForHash(&clone)
	b, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	return ContentHash(b), nil
}

func normalizeForHash(doc *V2Document) {
	e := &doc.Platforms.Endowus
	if len(e.GoalTargets) == 0 {
		e.GoalTargets = map[string]float64{}
	}
	if len(e.GoalFixed) == 0 {
		e.GoalFixed = map[string]bool{}
	}
	f := &doc.Platforms.FSM
	if len(f.TargetsByCode) == 0 {
		f.TargetsByCode = map[string]float64{}
	}
	if len(f.FixedByCode) == 0 {
		f.FixedByCode = map[string]bool{}
	}
	if len(f.TagsByCode) == 0 {
		f.TagsByCode = map[string]string{}
	}
	if len(f.TagCatalog) == 0 {
		f.TagCatalog = []string{}
	}
	if len(f.DriftSettings) == 0 {
		f.DriftSettings = map[string]float64{}
	}
	if len(f.Portfolios) == 0 {
		f.Portfolios = []Portfolio{}
	}
	if len(f.AssignmentByCode) == 0 {
		f.AssignmentByCode = map[string]string{}
	}
}

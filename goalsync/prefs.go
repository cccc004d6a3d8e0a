package goalsync

import (
	"encoding/json"
	"math"
	"strconv"
)

// UnassignedPortfolio is the sentinel id for a holding not grouped into any
// user-defined portfolio.
const UnassignedPortfolio = "unassigned"

// Portfolio is one user-defined grouping of FSM holdings.
type Portfolio struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Archived bool   `json:"archived"`
}

// SetGoalTarget stores clamp(pct, 0, 100) for the goal and returns the
// clamped value. Non-finite input stores nothing and returns ErrNotFound.
func SetGoalTarget(st Storage, goalID string, pct float64) (float64, error) {
	return setTarget(st, goalTargetKey(goalID), pct)
}

// GoalTarget returns the stored target percentage, or ErrNotFound when no
// explicit target is set. Absence is distinct from a stored zero.
func GoalTarget(st Storage, goalID string) (float64, error) {
	return getTarget(st, goalTargetKey(goalID))
}

// SetGoalFixed marks/unmarks a goal as fixed. Clearing the flag deletes the
// key rather than storing false.
func SetGoalFixed(st Storage, goalID string, fixed bool) error {
	return setFlag(st, goalFixedKey(goalID), fixed)
}

// GoalFixed reports whether the goal is marked fixed.
func GoalFixed(st Storage, goalID string) (bool, error) {
	return getFlag(st, goalFixedKey(goalID))
}

// SetCodeTarget stores a clamped target percentage for an FSM instrument code.
func SetCodeTarget(st Storage, code string, pct float64) (float64, error) {
	return setTarget(st, fsmTargetKey(code), pct)
}

// CodeTarget returns the stored FSM target, or ErrNotFound.
func CodeTarget(st Storage, code string) (float64, error) {
	return getTarget(st, fsmTargetKey(code))
}

// SetCodeFixed marks/unmarks an FSM code as fixed.
func SetCodeFixed(st Storage, code string, fixed bool) error {
	return setFlag(st, fsmFixedKey(code), fixed)
}

// CodeFixed reports whether the FSM code is marked fixed.
func CodeFixed(st Storage, code string) (bool, error) {
	return getFlag(st, fsmFixedKey(code))
}

// SetCodeTag stores a free-text tag for an FSM code; an empty tag deletes it.
func SetCodeTag(st Storage, code, tag string) error {
	if tag == "" {
		return st.Delete(fsmTagKey(code))
	}
	return st.Set(fsmTagKey(code), tag)
}

// CodeTag returns the tag for an FSM code, or ErrNotFound.
func CodeTag(st Storage, code string) (string, error) {
	v, ok, err := st.Get(fsmTagKey(code))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// TagCatalog returns the distinct known tags.
func TagCatalog(st Storage) ([]string, error) {
	var tags []string
	if err := getJSON(st, KeyFSMTagCatalog, &tags); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return tags, nil
}

// SetTagCatalog replaces the tag catalog.
func SetTagCatalog(st Storage, tags []string) error {
	return setJSON(st, KeyFSMTagCatalog, tags)
}

// Portfolios returns the ordered portfolio list.
func Portfolios(st Storage) ([]Portfolio, error) {
	var ps []Portfolio
	if err := getJSON(st, KeyFSMPortfolios, &ps); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return ps, nil
}

// SetPortfolios replaces the portfolio list.
func SetPortfolios(st Storage, ps []Portfolio) error {
	return setJSON(st, KeyFSMPortfolios, ps)
}

// Assignments returns the code→portfolio map with any reference to a
// portfolio absent from the current list normalized to UnassignedPortfolio.
func Assignments(st Storage) (map[string]string, error) {
	var m map[string]string
	if err := getJSON(st, KeyFSMAssignmentByCode, &m); err != nil {
		if err == ErrNotFound {
			return map[string]string{}, nil
		}
		return nil, err
	}
	ps, err := Portfolios(st)
	if err != nil {
		return nil, err
	}
	return normalizeAssignments(m, ps), nil
}

// AssignCode assigns an FSM code to a portfolio id.
func AssignCode(st Storage, code, portfolioID string) error {
	var m map[string]string
	if err := getJSON(st, KeyFSMAssignmentByCode, &m); err != nil && err != ErrNotFound {
		return err
	}
	if m == nil {
		m = map[string]string{}
	}
	m[code] = portfolioID
	return setJSON(st, KeyFSMAssignmentByCode, m)
}

// DriftSetting returns a named numeric drift threshold, or ErrNotFound.
func DriftSetting(st Storage, name string) (float64, error) {
	v, ok, err := st.Get(fsmDriftKey(name))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, ErrNotFound
	}
	return f, nil
}

// SetDriftSetting stores a named numeric drift threshold.
func SetDriftSetting(st Storage, name string, value float64) error {
	return st.Set(fsmDriftKey(name), strconv.FormatFloat(value, 'f', -1, 64))
}

func setTarget(st Storage, key string, pct float64) (float64, error) {
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return 0, ErrNotFound
	}
	clamped := math.Min(math.Max(pct, 0), 100)
	if err := st.Set(key, strconv.FormatFloat(clamped, 'f', -1, 64)); err != nil {
		return 0, err
	}
	return clamped, nil
}

func getTarget(st Storage, key string) (float64, error) {
	v, ok, err := st.Get(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotFound
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, ErrNotFound
	}
	return f, nil
}

func setFlag(st Storage, key string, on bool) error {
	if !on {
		return st.Delete(key)
	}
	return st.Set(key, "true")
}

func getFlag(st Storage, key string) (bool, error) {
	v, ok, err := st.Get(key)
	if err != nil {
		return false, err
	}
	return ok && v == "true", nil
}

func getJSON(st Storage, key string, out any) error {
	v, ok, err := st.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal([]byte(v), out)
}

func setJSON(st Storage, key string, in any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return st.Set(key, string(b))
}

func normalizeAssignments(m map[string]string, ps []Portfolio) map[string]string {
	known := make(map[string]bool, len(ps))
	for _, p := range ps {
		known[p.ID] = true
	}
	out := make(map[string]string, len(m))
	for code, id := range m {
		if id != UnassignedPortfolio && !known[id] {
			id = UnassignedPortfolio
		}
		out[code] = id
	}
	return out
}

package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

// SubjectState is the contact snapshot conditions and goals are evaluated against.
type SubjectState struct {
	Found        bool
	Fields       map[string]any
	Tags         []string
	Purchases    []string
	OpenedEmail  bool
	ClickedLinks []string
	SubscribedAt time.Time
}

// StateFromContact flattens a contact into evaluator fields. Custom attributes
// never shadow the built-in columns.
func StateFromContact(c *store.Contact, executionData map[string]any) SubjectState {
	st := SubjectState{Fields: map[string]any{}}
	if executionData != nil {
		st.Fields["executionData"] = executionData
	}
	if c == nil {
		return st
	}
	st.Found = true
	for k, v := range c.AttributeMap() {
		st.Fields[k] = v
	}
	st.Tags = c.TagList()
	st.Purchases = c.PurchaseList()
	st.OpenedEmail = c.OpenedEmail
	st.ClickedLinks = c.ClickedLinkList()
	st.SubscribedAt = c.SubscribedAt

	st.Fields["email"] = c.Email
	st.Fields["storeId"] = c.StoreID
	if c.FirstName != "" {
		st.Fields["firstName"] = c.FirstName
	}
	if c.LastName != "" {
		st.Fields["lastName"] = c.LastName
	}
	if !c.SubscribedAt.IsZero() {
		st.Fields["subscribedAt"] = c.SubscribedAt
	}
	st.Fields["tags"] = toAnySlice(st.Tags)
	st.Fields["purchases"] = toAnySlice(st.Purchases)
	st.Fields["openedEmail"] = c.OpenedEmail
	return st
}

var operatorAliases = map[string]string{
	"eq":     "equals",
	"neq":    "not_equals",
	"exists": "is_set",
	"gt":     "greater_than",
	"gte":    "greater_or_equal",
	"lt":     "less_than",
	"lte":    "less_or_equal",
}

var operators = []string{
	"equals", "not_equals", "contains", "not_contains", "starts_with", "ends_with",
	"is_set", "is_not_set", "greater_than", "greater_or_equal", "less_than", "less_or_equal",
}

func normalizeOperator(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := operatorAliases[op]; ok {
		return alias
	}
	return op
}

func knownOperator(op string) bool { return slices.Contains(operators, op) }

// EvaluateCondition applies a field/operator/value descriptor. A missing
// contact evaluates to false.
func EvaluateCondition(st SubjectState, c Condition) bool {
	if !st.Found {
		return false
	}
	cur := lookupPath(st.Fields, c.Field)
	op := normalizeOperator(c.Operator)

	switch op {
	case "is_set":
		return cur != nil
	case "is_not_set":
		return cur == nil
	case "equals":
		return cur != nil && deepEqualLoose(cur, c.Value)
	case "not_equals":
		return cur == nil || !deepEqualLoose(cur, c.Value)
	case "contains", "not_contains":
		has := containsValue(cur, c.Value)
		if op == "contains" {
			return has
		}
		return !has
	case "starts_with":
		return strings.HasPrefix(stringValue(cur), stringValue(c.Value))
	case "ends_with":
		return strings.HasSuffix(stringValue(cur), stringValue(c.Value))
	case "greater_than", "greater_or_equal", "less_than", "less_or_equal":
		lc, okL := toFloat(cur)
		rc, okR := toFloat(c.Value)
		if !okL || !okR {
			return false
		}
		switch op {
		case "greater_than":
			return lc > rc
		case "greater_or_equal":
			return lc >= rc
		case "less_than":
			return lc < rc
		default:
			return lc <= rc
		}
	}
	return false
}

// EvaluateNode decides the branch of a condition node. A typed check takes
// precedence over the field descriptor.
func EvaluateNode(st SubjectState, d ConditionData, now time.Time) bool {
	if d.ConditionType != "" {
		return evaluateTyped(st, d.ConditionType, d.ConditionData, now)
	}
	if d.Condition == nil {
		return true
	}
	return EvaluateCondition(st, *d.Condition)
}

func evaluateTyped(st SubjectState, kind string, data map[string]any, now time.Time) bool {
	if !st.Found {
		return false
	}
	switch kind {
	case "opened_email":
		return st.OpenedEmail
	case "clicked_link":
		if link := stringValue(data["linkUrl"]); link != "" {
			return slices.ContainsFunc(st.ClickedLinks, func(l string) bool { return strings.Contains(l, link) })
		}
		return len(st.ClickedLinks) > 0
	case "has_tag":
		tag := stringValue(data["tagId"])
		return tag != "" && slices.Contains(st.Tags, tag)
	case "has_purchased_product":
		for _, key := range []string{"productId", "courseId"} {
			if id := stringValue(data[key]); id != "" {
				return slices.Contains(st.Purchases, id)
			}
		}
		return len(st.Purchases) > 0
	case "time_based":
		field := stringValue(data["timeField"])
		if field == "" {
			field = "subscribedAt"
		}
		at, ok := toTime(lookupPath(st.Fields, field))
		if !ok {
			return false
		}
		days, _ := toFloat(data["timeDays"])
		since := now.Sub(at).Hours() / 24
		switch stringValue(data["timeOperator"]) {
		case "", "greater_than":
			return since > days
		case "less_than":
			return since < days
		case "equals":
			return math.Floor(since) == days
		}
		return false
	}
	return true
}

// GoalAchieved reports whether the subject already reached the goal.
func GoalAchieved(st SubjectState, g GoalData) bool {
	if !st.Found {
		return false
	}
	want := stringValue(g.GoalValue)
	switch g.GoalType {
	case "has_purchased":
		if want != "" {
			return slices.Contains(st.Purchases, want)
		}
		return len(st.Purchases) > 0
	case "has_opened_email":
		return st.OpenedEmail
	case "has_clicked_link":
		if want != "" {
			return slices.ContainsFunc(st.ClickedLinks, func(l string) bool { return strings.Contains(l, want) })
		}
		return len(st.ClickedLinks) > 0
	case "tag_applied":
		return want != "" && slices.Contains(st.Tags, want)
	}
	return false
}

// lookupPath walks a dot path ("executionData.plan") through nested maps.
func lookupPath(fields map[string]any, path string) any {
	var cur any = fields
	for _, part := range strings.Split(strings.TrimSpace(path), ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[part]; !ok {
			return nil
		}
	}
	return cur
}

func containsValue(cur, want any) bool {
	switch t := cur.(type) {
	case nil:
		return false
	case []any:
		return slices.ContainsFunc(t, func(v any) bool { return deepEqualLoose(v, want) })
	case []string:
		return slices.Contains(t, stringValue(want))
	}
	return strings.Contains(stringValue(cur), stringValue(want))
}

func deepEqualLoose(a, b any) bool {
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka && okb {
		return math.Abs(fa-fb) < 1e-9
	}
	return stringValue(a) == stringValue(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := json.Number(strings.TrimSpace(t)).Float64()
		return f, err == nil
	}
	return 0, false
}

// toTime accepts time values, RFC 3339 strings and unix milliseconds.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err == nil {
			return parsed, true
		}
	}
	if ms, ok := toFloat(v); ok && ms > 0 {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	return fmt.Sprintf("%v", v)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

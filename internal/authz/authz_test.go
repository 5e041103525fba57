package authz

import (
	"os"
	"reflect"
	"testing"
)

func ents(vals ...int32) map[int32]struct{} {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[int32]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

func TestPolicyUnionOfMatchingRules(t *testing.T) {
	p := NewPolicy([]Rule{
		{User: "u1", TopicPattern: "t", Role: Publisher, Entitlements: []int32{1, 2}},
		{User: "u2", TopicPattern: "t", Role: Subscriber, Entitlements: []int32{2, 3}},
		{User: "u2", TopicPattern: "t", Role: Subscriber, Entitlements: []int32{4}},
	})

	got := p.Entitlements("u2", "t", Subscriber)
	want := ents(2, 3, 4)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPolicyNoMatchIsEmpty(t *testing.T) {
	p := NewPolicy([]Rule{{User: "u1", TopicPattern: "t", Role: Publisher, Entitlements: []int32{1}}})
	if got := p.Entitlements("u1", "t", Subscriber); got != nil {
		t.Fatalf("expected nil for no matching rule, got %v", got)
	}
}

func TestPolicyWildcardUserAndPrefixTopic(t *testing.T) {
	p := NewPolicy([]Rule{
		{User: "*", TopicPattern: "market.*", Role: Subscriber, Entitlements: []int32{9}},
	})
	if got := p.Entitlements("anyone", "market.LSE.VOD", Subscriber); !reflect.DeepEqual(got, ents(9)) {
		t.Fatalf("got %v", got)
	}
	if got := p.Entitlements("anyone", "other.topic", Subscriber); got != nil {
		t.Fatalf("expected no match, got %v", got)
	}
}

func TestLoadMergesFileAndInline(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/authz.yaml"
	fileContent := "rules:\n  - user: u1\n    topic_pattern: t\n    role: publisher\n    entitlements: [1]\n"
	if err := os.WriteFile(path, []byte(fileContent), 0o600); err != nil {
		t.Fatal(err)
	}

	inline := "rules:\n  - user: u2\n    topic_pattern: t\n    role: subscriber\n    entitlements: [2]\n"
	policy, err := Load(path, inline)
	if err != nil {
		t.Fatal(err)
	}

	if got := policy.Entitlements("u1", "t", Publisher); !reflect.DeepEqual(got, ents(1)) {
		t.Fatalf("file rule missing: %v", got)
	}
	if got := policy.Entitlements("u2", "t", Subscriber); !reflect.DeepEqual(got, ents(2)) {
		t.Fatalf("inline rule missing: %v", got)
	}
}

func TestStoreResetSwapsSnapshotAtomically(t *testing.T) {
	store := NewStore(NewPolicy([]Rule{{User: "u", TopicPattern: "t", Role: Subscriber, Entitlements: []int32{1}}}))
	if got := store.Current().Entitlements("u", "t", Subscriber); !reflect.DeepEqual(got, ents(1)) {
		t.Fatalf("got %v", got)
	}

	store.Reset(NewPolicy(nil))
	if got := store.Current().Entitlements("u", "t", Subscriber); got != nil {
		t.Fatalf("expected reset policy to have no rules, got %v", got)
	}
}

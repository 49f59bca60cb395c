package ipc

import (
	"reflect"
	"testing"
)

func TestParseFilter(t *testing.T) {
	specs := []struct {
		filter      string
		expSegs     []string
		expWildcard bool
		expOK       bool
	}{
		{"netd/udp/recv/7", []string{"netd", "udp", "recv", "7"}, false, true},
		{"chan/*", []string{"chan"}, true, true},
		{"a/b/*", []string{"a", "b"}, true, true},
		{"a", []string{"a"}, false, true},
		// A "*" that is not a trailing "/*" is an ordinary byte.
		{"a/*b", []string{"a", "*b"}, false, true},
		{"", nil, false, false},
		{"/*", nil, false, false},
		{"a//b", nil, false, false},
		{"/a", nil, false, false},
		{"a/", nil, false, false},
	}

	for specIndex, spec := range specs {
		segs, wildcard, ok := parseFilter(spec.filter)
		if ok != spec.expOK {
			t.Errorf("[spec %d] %q: expected ok=%t; got %t", specIndex, spec.filter, spec.expOK, ok)
			continue
		}
		if !ok {
			continue
		}
		if !reflect.DeepEqual(segs, spec.expSegs) || wildcard != spec.expWildcard {
			t.Errorf("[spec %d] %q: got segs=%v wildcard=%t", specIndex, spec.filter, segs, wildcard)
		}
	}
}

func TestTrieMatch(t *testing.T) {
	defer resetBus()()

	mustSub := func(filter string) SubID {
		id, errno := Subscribe(0, filter, 0)
		if errno != 0 {
			t.Fatalf("subscribe %q failed: %v", filter, errno)
		}
		return id
	}

	exact := mustSub("netd/udp/recv/7")
	prefix := mustSub("netd/udp/*")
	root := mustSub("netd/*")
	other := mustSub("syslogd/*")

	specs := []struct {
		topic   string
		expSubs []SubID
	}{
		{"netd/udp/recv/7", []SubID{exact, prefix, root}},
		{"netd/udp/recv/8", []SubID{prefix, root}},
		// A prefix filter matches its own prefix exactly as well.
		{"netd/udp", []SubID{prefix, root}},
		{"netd/tcp/send/1", []SubID{root}},
		{"syslogd/warn", []SubID{other}},
		{"consoled/out", nil},
		{"netd", []SubID{root}},
	}

	for specIndex, spec := range specs {
		var got []SubID
		trieMatch(spec.topic, func(sub *Subscription) { got = append(got, sub.id) })

		sortSubIDs(got)
		exp := append([]SubID(nil), spec.expSubs...)
		sortSubIDs(exp)
		if !reflect.DeepEqual(got, exp) {
			t.Errorf("[spec %d] topic %q: expected %v; got %v", specIndex, spec.topic, exp, got)
		}
	}
}

func TestTrieRemove(t *testing.T) {
	defer resetBus()()

	id, _ := Subscribe(0, "a/b/*", 0)
	if errno := Unsubscribe(0, id); errno != 0 {
		t.Fatal(errno)
	}

	count := 0
	trieMatch("a/b/c", func(*Subscription) { count++ })
	if count != 0 {
		t.Fatalf("expected removed filter to stop matching; got %d hits", count)
	}
}

func sortSubIDs(ids []SubID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

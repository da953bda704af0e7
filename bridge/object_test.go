package bridge

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	Owner   string
	Balance int64
	hidden  string
}

func (a *account) Deposit(amount int64) int64 {
	a.Balance += amount
	return a.Balance
}

func TestGetAttr(t *testing.T) {
	acct := &account{Owner: "ada", Balance: 100, hidden: "x"}

	owner, err := getAttr(acct, "Owner")
	require.NoError(t, err)
	assert.Equal(t, "ada", owner)

	deposit, err := getAttr(acct, "Deposit")
	require.NoError(t, err)
	assert.Equal(t, reflect.Func, reflect.TypeOf(deposit).Kind(), "methods come back bound and callable")

	m := map[string]int{"answer": 42}
	v, err := getAttr(m, "answer")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = getAttr(acct, "hidden")
	assert.ErrorIs(t, err, errNoAttribute, "unexported fields are not reachable")

	_, err = getAttr(acct, "Nope")
	assert.ErrorIs(t, err, errNoAttribute)

	_, err = getAttr(nil, "anything")
	assert.ErrorIs(t, err, errNoAttribute)
}

func TestSetAttr(t *testing.T) {
	acct := &account{Owner: "ada"}

	require.NoError(t, setAttr(acct, "Balance", int64(50)))
	assert.Equal(t, int64(50), acct.Balance)

	// Wire ints arrive as int64; the field type wins.
	require.NoError(t, setAttr(acct, "Owner", "grace"))
	assert.Equal(t, "grace", acct.Owner)

	m := map[string]int{}
	require.NoError(t, setAttr(m, "k", int64(7)))
	assert.Equal(t, 7, m["k"])

	// A struct passed by value cannot be written through.
	assert.ErrorIs(t, setAttr(account{}, "Balance", int64(1)), errNoAttribute)
	assert.ErrorIs(t, setAttr(acct, "Nope", 1), errNoAttribute)
}

func TestCallObject(t *testing.T) {
	sum := func(nums ...int64) int64 {
		var total int64
		for _, n := range nums {
			total += n
		}
		return total
	}
	out, err := callObject(sum, []any{int64(1), int64(2), int64(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(6), out)

	out, err = callObject(sum, []any{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), out)

	divmod := func(a, b int64) (int64, int64) { return a / b, a % b }
	out, err = callObject(divmod, []any{int64(7), int64(2)})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3), int64(1)}, out)

	fails := func() (string, error) { return "", assert.AnError }
	_, err = callObject(fails, nil)
	assert.ErrorIs(t, err, assert.AnError, "trailing error result is raised, not returned")

	succeeds := func() (string, error) { return "ok", nil }
	out, err = callObject(succeeds, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = callObject(divmod, []any{int64(1)})
	assert.ErrorIs(t, err, errBadOperation, "arity mismatch")

	_, err = callObject("not a function", nil)
	assert.ErrorIs(t, err, errBadOperation)
}

func TestItemAccess(t *testing.T) {
	s := []string{"a", "b", "c"}

	v, err := getItem(s, int64(1))
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	_, err = getItem(s, int64(3))
	assert.ErrorIs(t, err, errNoItem)

	v, err = getItem("hello", int64(4))
	require.NoError(t, err)
	assert.Equal(t, "o", v)

	// Indexing counts runes, not bytes.
	v, err = getItem("héllo", int64(1))
	require.NoError(t, err)
	assert.Equal(t, "é", v)
	_, err = getItem("héllo", int64(5))
	assert.ErrorIs(t, err, errNoItem)

	m := map[string]int{"x": 1}
	v, err = getItem(m, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	_, err = getItem(m, "y")
	assert.ErrorIs(t, err, errNoItem)

	require.NoError(t, setItem(s, int64(0), "z"))
	assert.Equal(t, "z", s[0])
	assert.ErrorIs(t, setItem(s, int64(9), "w"), errNoItem)

	require.NoError(t, setItem(m, "y", int64(2)))
	assert.Equal(t, 2, m["y"])

	require.NoError(t, delItem(m, "x"))
	_, ok := m["x"]
	assert.False(t, ok)
	assert.ErrorIs(t, delItem(m, "x"), errNoItem)
	assert.ErrorIs(t, delItem(s, int64(0)), errBadOperation)

	_, err = getItem(42, int64(0))
	assert.ErrorIs(t, err, errBadOperation)
}

func TestConvertTo(t *testing.T) {
	v, err := convertTo(int64(7), reflect.TypeOf(int(0)))
	require.NoError(t, err)
	assert.Equal(t, 7, v.Interface())

	v, err = convertTo(int64(7), reflect.TypeOf(float64(0)))
	require.NoError(t, err)
	assert.Equal(t, 7.0, v.Interface())

	v, err = convertTo(nil, reflect.TypeOf(""))
	require.NoError(t, err)
	assert.Equal(t, "", v.Interface())

	v, err = convertTo([]any{int64(1), int64(2)}, reflect.TypeOf([]int{}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, v.Interface())

	v, err = convertTo(map[any]any{"a": int64(1)}, reflect.TypeOf(map[string]int{}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, v.Interface())

	// Ordered entries (maps whose wire keys were not hashable) convert
	// into a typed map once the target key type is known.
	entries := []Entry{{Key: []any{int64(1), int64(2)}, Val: "a"}}
	v, err = convertTo(entries, reflect.TypeOf(map[[2]int64]string{}))
	require.NoError(t, err)
	assert.Equal(t, map[[2]int64]string{{1, 2}: "a"}, v.Interface())

	_, err = convertTo("text", reflect.TypeOf(0))
	assert.ErrorIs(t, err, errBadOperation)

	_, err = convertTo([]any{"x"}, reflect.TypeOf([]int{}))
	assert.ErrorIs(t, err, errBadOperation, "element conversion failures propagate")
}

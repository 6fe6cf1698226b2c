// Package args adapts parser functions to pflag.Value.
package args

import "github.com/spf13/pflag"

type Adapter[T interface{ String() string }] struct {
	value    T
	parser   func(string) (T, error)
	typename string
	isSet    bool
}

var _ pflag.Value = &Adapter[interface{ String() string }]{}

func (i *Adapter[T]) String() string {
	return i.value.String()
}

func (i *Adapter[T]) Set(s string) error {
	v, err := i.parser(s)
	if err != nil {
		return err
	}
	i.isSet = true
	i.value = v
	return nil
}

// Type names the value in usage.
func (i *Adapter[T]) Type() string {
	return i.typename
}

func (i *Adapter[T]) Value() T {
	return i.value
}

// IsSet reports whether Set has succeeded. A default does not count.
func (i *Adapter[T]) IsSet() bool {
	return i.isSet
}

// Parser makes a flag value parsed by parser. It holds defaultValue until set.
func Parser[T interface{ String() string }](typename string, parser func(string) (T, error), defaultValue T) *Adapter[T] {
	return &Adapter[T]{parser: parser, typename: typename, value: defaultValue}
}

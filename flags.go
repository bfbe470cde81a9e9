package main

import (
	"fmt"
	"sort"
	"strings"
)

// stringList is a flag that can be repeated.
type stringList []string

func (s stringList) String() string {
	return strings.Join(s, ", ")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// envFlag collects KEY=VALUE settings for the child environment.
type envFlag map[string]string

func (e envFlag) String() string {
	var ss []string
	for k, v := range e {
		ss = append(ss, k+"="+v)
	}
	sort.Strings(ss)
	return strings.Join(ss, " ")
}

func (e *envFlag) Set(value string) error {
	i := strings.IndexByte(value, '=')
	if i <= 0 {
		return fmt.Errorf("environment setting must be KEY=VALUE, not %q", value)
	}
	if *e == nil {
		*e = make(envFlag)
	}
	(*e)[value[:i]] = value[i+1:]
	return nil
}

// Package creds loads the credential file mapping logical bucket names to
// account-scoped access keys, and evaluates which principals may perform
// which operations on them.
package creds

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"r2admin/internal/r2"
)

var allowedActions = map[string]struct{}{
	"object:list":   {},
	"object:get":    {},
	"object:head":   {},
	"object:put":    {},
	"object:delete": {},
	"object:share":  {},
}

type File struct {
	Buckets    []Bucket    `yaml:"buckets"`
	Principals []Principal `yaml:"principals"`
}

// Bucket binds a logical name, used in rules and in the API, to the
// provider-side bucket and the keys that can reach it.
type Bucket struct {
	Name      string `yaml:"name"`
	AccountID string `yaml:"account_id"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// Bucket is the provider bucket name; defaults to Name when empty.
	Bucket string `yaml:"bucket"`
}

type Principal struct {
	Name  string `yaml:"name"`
	Allow []Rule `yaml:"allow"`
}

// Rule grants one action on buckets whose logical name matches the pattern.
// Patterns support '*' (any sequence) and '?' (one character).
type Rule struct {
	Action string `yaml:"action"`
	Bucket string `yaml:"bucket"`
}

type Store struct {
	bucketsByName    map[string]Bucket
	principalsByName map[string]Principal
}

// AllowedActions returns the grantable actions, sorted.
func AllowedActions() []string {
	actions := make([]string, 0, len(allowedActions))
	for action := range allowedActions {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

func LoadFile(path string) (*Store, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file %q: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse credential file %q: %w", path, err)
	}

	if err := validate(file); err != nil {
		return nil, err
	}

	bucketsByName := make(map[string]Bucket, len(file.Buckets))
	for _, bucket := range file.Buckets {
		if bucket.Bucket == "" {
			bucket.Bucket = bucket.Name
		}
		bucketsByName[bucket.Name] = bucket
	}
	principalsByName := make(map[string]Principal, len(file.Principals))
	for _, principal := range file.Principals {
		principalsByName[principal.Name] = principal
	}

	return &Store{bucketsByName: bucketsByName, principalsByName: principalsByName}, nil
}

// Resolve returns the signing credentials for a logical bucket name.
func (s *Store) Resolve(bucket string) (r2.Credentials, bool) {
	entry, ok := s.bucketsByName[bucket]
	if !ok {
		return r2.Credentials{}, false
	}
	return r2.Credentials{
		AccountID:       entry.AccountID,
		AccessKeyID:     entry.AccessKey,
		SecretAccessKey: entry.SecretKey,
		Bucket:          entry.Bucket,
	}, true
}

// Allowed reports whether the named principal may perform action on the
// logical bucket. Unknown principals and unknown actions are denied.
func (s *Store) Allowed(principal, action, bucket string) bool {
	entry, ok := s.principalsByName[principal]
	if !ok {
		return false
	}
	if _, ok := allowedActions[action]; !ok {
		return false
	}
	for _, rule := range entry.Allow {
		if rule.Action != action {
			continue
		}
		if globMatch(rule.Bucket, bucket) {
			return true
		}
	}
	return false
}

// BucketsFor lists the logical buckets the principal holds object:list on,
// sorted by name.
func (s *Store) BucketsFor(principal string) []string {
	var names []string
	for name := range s.bucketsByName {
		if s.Allowed(principal, "object:list", name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func validate(file File) error {
	var errs []error
	if len(file.Buckets) == 0 {
		errs = append(errs, errors.New("credential validation: at least one bucket is required"))
	}

	seenBuckets := make(map[string]struct{}, len(file.Buckets))
	for idx, bucket := range file.Buckets {
		prefix := fmt.Sprintf("credential validation: buckets[%d]", idx)
		if bucket.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if _, exists := seenBuckets[bucket.Name]; exists {
				errs = append(errs, fmt.Errorf("%s.name %q is duplicated", prefix, bucket.Name))
			}
			seenBuckets[bucket.Name] = struct{}{}
		}
		if bucket.AccountID == "" {
			errs = append(errs, fmt.Errorf("%s.account_id is required", prefix))
		}
		if bucket.AccessKey == "" {
			errs = append(errs, fmt.Errorf("%s.access_key is required", prefix))
		}
		if bucket.SecretKey == "" {
			errs = append(errs, fmt.Errorf("%s.secret_key is required", prefix))
		}
		provider := bucket.Bucket
		if provider == "" {
			provider = bucket.Name
		}
		if provider != "" && !IsValidBucketName(provider) {
			errs = append(errs, fmt.Errorf("%s.bucket %q is not a valid bucket name", prefix, provider))
		}
	}

	seenPrincipals := make(map[string]struct{}, len(file.Principals))
	for idx, principal := range file.Principals {
		prefix := fmt.Sprintf("credential validation: principals[%d]", idx)
		if principal.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if _, exists := seenPrincipals[principal.Name]; exists {
				errs = append(errs, fmt.Errorf("%s.name %q is duplicated", prefix, principal.Name))
			}
			seenPrincipals[principal.Name] = struct{}{}
		}
		if len(principal.Allow) == 0 {
			errs = append(errs, fmt.Errorf("%s.allow must contain at least one rule", prefix))
		}
		for ruleIdx, rule := range principal.Allow {
			rulePrefix := fmt.Sprintf("%s.allow[%d]", prefix, ruleIdx)
			if _, ok := allowedActions[rule.Action]; !ok {
				errs = append(errs, fmt.Errorf("%s.action %q is invalid, must be one of %s", rulePrefix, rule.Action, strings.Join(AllowedActions(), ", ")))
			}
			if rule.Bucket == "" {
				errs = append(errs, fmt.Errorf("%s.bucket is required", rulePrefix))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// IsValidBucketName checks the provider bucket naming rules: 3 to 63
// characters of lowercase letters, digits and hyphens, starting and ending
// with a letter or digit.
func IsValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	for i, r := range name {
		isDigit := r >= '0' && r <= '9'
		isLower := r >= 'a' && r <= 'z'
		if !(isDigit || isLower || r == '-') {
			return false
		}
		if (i == 0 || i == len(name)-1) && r == '-' {
			return false
		}
	}
	return true
}

// globMatch reports whether value matches pattern, where '*' matches any
// sequence of characters and '?' matches exactly one character.
// It uses an iterative approach with no allocations.
func globMatch(pattern, value string) bool {
	p, v := 0, 0
	starIdx := -1
	match := 0
	for v < len(value) {
		if p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]) {
			p++
			v++
		} else if p < len(pattern) && pattern[p] == '*' {
			starIdx = p
			match = v
			p++
		} else if starIdx != -1 {
			p = starIdx + 1
			match++
			v = match
		} else {
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

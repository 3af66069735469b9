// Package sanitizer normalizes free-form user input before it reaches
// persistence or query filters. Station names, train names and search
// labels all pass through here so that lookups are case and punctuation
// insensitive.
package sanitizer

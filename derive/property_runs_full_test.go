//go:build property

package derive

const propertyRuns = 1000

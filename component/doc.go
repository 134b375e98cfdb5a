// Package component defines shared component plumbing for the settlement
// core: lifecycle states, the health-reporting contract consumed by the
// system monitor, and the Dependencies bundle handed to every component at
// construction time.
package component

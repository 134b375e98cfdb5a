// Package monitor implements the system health monitor: it polls every
// registered component, applies failure rules over what it observes and
// delegates remediation to the recovery subsystem.
//
// Detection is strictly separated from remediation. DetectFailures has no
// side effects; InitiateAutomaticRecovery only maps a detected failure to
// its error kind and hands it to the recovery manager, which owns the
// actual response.
package monitor

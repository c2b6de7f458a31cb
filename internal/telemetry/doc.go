// Package telemetry exports torch events to InfluxDB as time-series points.
//
// Writes go through the client's non-blocking write API, so recording an
// event never stalls the session loop; write failures are only logged.
package telemetry

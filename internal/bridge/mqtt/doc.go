// Package mqtt bridges the torch to an MQTT broker for home automation.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/state         retained {"state":"on|off","intensity":N,"max":M}
//	<prefix>/error         {"error":"<kind>","recoverable":bool}
//	<prefix>/availability  retained online/offline, offline is also the LWT
//	<prefix>/set           commands: on, off, toggle, refresh or an integer
package mqtt

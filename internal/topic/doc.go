// Package topic maps between bridge notifications and the MQTT topic tree.
//
// Every topic lives below the fixed "webthings" root:
//
//	webthings/<device_id>/properties/<name>          property value (outbound)
//	webthings/<device_id>/properties/<name>/set      write request (inbound)
//	webthings/<device_id>/properties/<name>/get      read request (inbound)
//	webthings/<device_id>/actions/<name>             action triggered (outbound)
//	webthings/<device_id>/actions/<name>/execute     action request (inbound)
//	webthings/<device_id>/events/<name>              event raised (outbound)
//	webthings/<device_id>/connectState               JSON bool (outbound)
//	webthings/<device_id>/connected|disconnected     empty (outbound)
//	webthings/<device_id>/deviceAdded|deviceRemoved|deviceModified
//
// The package is pure: Encode and Parse have no side effects and keep no state.
//
// # Ambiguous Topics
//
// Device ids may contain "/". Parse resolves this greedily from the right:
// after the verb, the last segment is the name, the segment before it must be
// the category, and everything before that is the device id. A property or
// action whose own name contains "/" can therefore never be addressed, and
// InboundTopics leaves it out.
package topic

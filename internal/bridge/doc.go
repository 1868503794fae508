// Package bridge orchestrates the WebThings gateway and the MQTT broker.
//
// The bridge owns two connection state machines, one per adapter. Each
// machine dials, keeps the live handle, and redials after a fixed delay when
// the attempt fails or the connection closes. The two sides fail and recover
// independently: while one side is down, work that needs it is dropped and
// logged, never queued.
//
// # Data Flow
//
//	gateway notification → topic.Encode → MQTT publish
//	MQTT message → topic.Parse → set property / execute action / read property
//
// # Subscription Set
//
// The bridge subscribes to the inbound command topics of every known device
// (see topic.InboundTopics) and tracks each installed topic by the device that
// owns it. The set is rebuilt from the gateway's device list whenever either
// side connects, cleared when the broker session ends, and updated in place
// on device added, removed and modified notifications. All changes to the set
// are serialised by one mutex.
//
// # Usage
//
//	b, err := bridge.New(bridge.Options{
//	    Config:     cfg.Bridge,
//	    DialSource: dialGateway,
//	    DialSink:   dialBroker,
//	    Logger:     log,
//	})
//	if err != nil {
//	    return err
//	}
//	b.Start()
//	defer b.Stop()
package bridge

// Package domain holds the value types shared by the delivery pipeline:
// campaigns and their content, recipients, send records, queued items,
// outbound messages and tracking events.
//
// It imports nothing from internal/ and carries no storage or transport
// handles. Struct tags and small pure predicates such as
// Campaign.CanLaunch are the only behavior allowed here.
package domain

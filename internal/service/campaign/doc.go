// Package campaign implements the campaign lifecycle state machine.
//
// The service launches campaigns (resolve recipients, create send records,
// fill the queue, flip to sending), resets failed or cancelled campaigns
// back to draft, and handles operator pause, resume and cancel. It depends
// on the repository and queue interfaces defined in this package and never
// touches transports or HTTP.
//
// Repository implementations live in repository/postgres/.
package campaign

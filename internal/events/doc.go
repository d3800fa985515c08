// Package events is the in-process notification sink.
//
// Components publish a Notification whenever something observable happens
// (an agent comes online, a command finalizes, a macro run ends). The
// Broadcaster fans each notification out to subscribers of its topic and to
// firehose subscribers that listen to everything. Publish never blocks: a
// subscriber whose buffer is full misses the notification.
package events

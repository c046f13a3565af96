package chat

// Index store key layout. Every key is namespaced by platform except the
// pull status record, which belongs to a subscription.
//
//	<platform>:chat:active:<channelId>:<senderHandle>   sorted set, score = creation epoch
//	<platform>:chat:deleted:<channelId>:<senderHandle>  sorted set, same shape
//	<platform>:chat:message:<channelId>:<messageId>     JSON Record
//	pull_status:<subscriptionId>                         hash (task_status, message, timestamp)
//	backfill:<platform>:<channelId>                      hash (processed, skipped, completed_at)

// ActiveKey is the active index for a (platform, channel, sender) partition.
func ActiveKey(p Platform, channelID, handle string) string {
	return string(p) + ":chat:active:" + channelID + ":" + handle
}

// DeletedKey is the deleted index for a partition.
func DeletedKey(p Platform, channelID, handle string) string {
	return string(p) + ":chat:deleted:" + channelID + ":" + handle
}

// MessageKey addresses a message record.
func MessageKey(p Platform, channelID, messageID string) string {
	return string(p) + ":chat:message:" + channelID + ":" + messageID
}

// PullStatusKey addresses the status record of a subscription.
func PullStatusKey(subscriptionID string) string {
	return "pull_status:" + subscriptionID
}

// BackfillKey addresses the checkpoint of the last backfill of a conversation.
func BackfillKey(p Platform, channelID string) string {
	return "backfill:" + string(p) + ":" + channelID
}

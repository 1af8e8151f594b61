package store

// Key-path layout of the chat core. Centralized here so every component
// addresses the same tree:
//
//	rooms/{roomID}                    ChatRoom document
//	messages/{roomID}/{messageID}     Message documents (push-ID keys)
//	presence/{userID}                 PresenceRecord
//	userchats/{userID}/{roomID}       UserChatIndex

func RoomPath(roomID string) string {
	return "rooms/" + roomID
}

func MessagesPath(roomID string) string {
	return "messages/" + roomID
}

func MessagePath(roomID, messageID string) string {
	return "messages/" + roomID + "/" + messageID
}

func PresencePath(userID string) string {
	return "presence/" + userID
}

func UserChatIndexPath(userID, roomID string) string {
	return "userchats/" + userID + "/" + roomID
}

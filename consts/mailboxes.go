package consts

// MailboxInbox receives messages kept by the implicit or an explicit keep.
const MailboxInbox = "INBOX"

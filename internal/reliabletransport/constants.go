package reliabletransport

const (
	// Capacity for the array of packets that we're tracking at any given
	// moment (outgoing).
	RELIABLE_SEND_BUFFER_SIZE = 12

	// Capacity for the array of packets that we're tracking at any given
	// moment (incoming).
	RELIABLE_RECV_BUFFER_SIZE = RELIABLE_SEND_BUFFER_SIZE

	// The maximum number of ACKs that we piggyback on an outgoing packet.
	// The wire format allows up to 255, but the reference implementation
	// never sends more than a handful.
	MAX_ACKS_PER_OUTGOING_PACKET = 4

	// Initial timeout for control-packet retransmission, in seconds.
	INITIAL_TLS_TIMEOUT_SECONDS = 2

	// Maximum backoff interval, in seconds.
	MAX_BACKOFF_SECONDS = 60

	// Default sender ticker period, in milliseconds, used when there is
	// nothing in flight.
	SENDER_TICKER_MS = 1000 * 60
)

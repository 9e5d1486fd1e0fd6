// Package discovery resolves Tuya devices from their UDP presence
// broadcasts.
//
// Devices announce themselves every few seconds: plaintext JSON on UDP
// port 6666, or ECB-encrypted frames on port 6667 under a well-known key
// shared by every firmware (the MD5 of a fixed ASCII secret). A Scanner
// binds both ports, decrypts what it hears and surfaces device records.
//
// Some firmwares broadcast under the device's own local key instead; when
// a Scanner is given one, it is tried as a second decrypt attempt.
//
// # Usage
//
//	s := discovery.NewScanner()
//	record, err := s.Find(ctx, "22325186db4a2217dc8e", "")
//	if err != nil {
//	    // discovery.ErrFindTimeout: nothing matched in time
//	}
//	fmt.Println(record.IP, record.Version)
//
// FindAll runs out the full timeout and returns every distinct (id, ip)
// pair heard.
//
// # Network requirements
//
// The scanner must share a broadcast domain with the devices, and nothing
// else may be bound to the two discovery ports.
package discovery

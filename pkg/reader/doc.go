/*
Package reader answers "how unreliable was X over period P" from rollup rows
and the live cache.

Closed periods are plain lookups of stored rows (History). The period in
progress is blended: with n completed sub-buckets elapsed, every field is

	(n·C + L) / (n+1)

where C is the completed rows expressed per sub-bucket and L is the open
remainder (finer rows rolled so far plus the live hour). At the start of a
period the answer is exactly the live value; near its end the live share
vanishes.

	period  sub-bucket  remainder
	day     hour        live hour
	week    day         today so far
	month   day         today so far
	year    month       month so far
*/
package reader
